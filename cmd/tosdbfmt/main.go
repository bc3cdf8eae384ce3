// Command tosdbfmt creates and bulk-loads a fresh TOSDB image, the
// equivalent of the mkfs utility (biscuit/src/mkfs/mkfs.go) for
// this repository's flat key-value store rather than a POSIX filesystem
// tree: instead of walking a skeleton directory of files to copy in, it
// reads newline-delimited "key\tvalue" records from a seed file.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"turnstonecore/src/defs"
	"turnstonecore/src/logging"
	"turnstonecore/src/tosdb"
)

func usage(me string) {
	fmt.Fprintf(os.Stderr, "%s <image> [seed-file]\n\nCreate a TOSDB image at <image>, optionally bulk-loading key/value pairs from <seed-file> (tab-separated \"key\\tvalue\" lines).\n", me)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		usage(os.Args[0])
	}
	image := os.Args[1]

	backend, err := tosdb.OpenDiskBackend(image)
	if err != defs.EOK {
		logging.WithComponent("tosdbfmt").Fatalf("opening %s: %v", image, err)
	}
	db, err := tosdb.Open(backend)
	if err != defs.EOK {
		logging.WithComponent("tosdbfmt").Fatalf("initializing %s: %v", image, err)
	}

	if len(os.Args) == 3 {
		if err := seed(db, os.Args[2]); err != nil {
			logging.WithComponent("tosdbfmt").Fatalf("seeding from %s: %v", os.Args[2], err)
		}
	}

	if err := db.Close(); err != defs.EOK {
		logging.WithComponent("tosdbfmt").Fatalf("closing %s: %v", image, err)
	}
	fmt.Printf("wrote %s\n", image)
}

func seed(db *tosdb.DB, path string) error {
	f, oerr := os.Open(path)
	if oerr != nil {
		return oerr
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "skipping malformed line %d\n", n+1)
			continue
		}
		if err := db.Put(tosdb.MkBstr(parts[0]), []byte(parts[1])); err != defs.EOK {
			return fmt.Errorf("put %q: %v", parts[0], err)
		}
		n++
	}
	fmt.Printf("loaded %d records\n", n)
	return sc.Err()
}
