package main

import (
	"fmt"
	"os"

	"github.com/tos-network/quorumd/internal/snkey"
)

// loadOrGenerateKey reads a 32-byte seed from path, or generates and
// prints a fresh one if path is empty.
func loadOrGenerateKey(path string) (snkey.KeyPair, error) {
	if path == "" {
		kp, err := snkey.Generate()
		if err != nil {
			return snkey.KeyPair{}, fmt.Errorf("generate signing key: %w", err)
		}
		fmt.Fprintf(os.Stderr, "no --keyfile given: generated ephemeral key %s\n", kp.Public)
		return kp, nil
	}
	seed, err := os.ReadFile(path)
	if err != nil {
		return snkey.KeyPair{}, fmt.Errorf("read keyfile %s: %w", path, err)
	}
	kp, err := snkey.FromSeed(seed)
	if err != nil {
		return snkey.KeyPair{}, fmt.Errorf("load keyfile %s: %w", path, err)
	}
	return kp, nil
}
