// Command kv is a thin illustrative exerciser of pkg/kvstore: it opens
// a store, inserts a handful of entries, walks them back in order, and
// closes. It is not a driver for the store's API — no flags, no
// subcommands — just the shape of the simplest possible caller.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"diskbtreekv/pkg/kvstore"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <basename>\n", os.Args[0])
		os.Exit(1)
	}

	s, err := kvstore.Open(os.Args[1])
	if err != nil {
		log.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	for i := uint64(0); i < 10; i++ {
		if _, err := s.Insert(i, []byte(fmt.Sprintf("value-%d", i))); err != nil {
			log.Fatalf("insert failed: %v", err)
		}
	}

	err = s.Walk(func(key uint64, value []byte) bool {
		fmt.Printf("%d -> %s\n", key, value)
		return true
	})
	if err != nil {
		log.Fatalf("walk failed: %v", err)
	}
}
