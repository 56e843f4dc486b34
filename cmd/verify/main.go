// Package main verifies an exported evidence bundle offline.
//
// Usage:
//
//	verify [-identity key.txt] [-json] evidence-<slug>-<ms>.zip[.age]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sealvault/evidence-plane/internal/envelope"
	"github.com/sealvault/evidence-plane/internal/evidence"
)

func main() {
	identity := flag.String("identity", "", "age identity file for encrypted bundles")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] bundle.zip[.age]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	report, err := verify(flag.Arg(0), *identity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		printReport(os.Stdout, report)
	}

	if !report.Valid {
		os.Exit(1)
	}
}

func verify(path, identityPath string) (*evidence.ArchiveReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if envelope.IsEncrypted(data) {
		if identityPath == "" {
			return nil, fmt.Errorf("%s is encrypted; pass -identity", path)
		}
		f, err := os.Open(identityPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if data, err = envelope.Open(data, f); err != nil {
			return nil, err
		}
	}

	return evidence.VerifyArchive(data)
}

func printReport(w io.Writer, r *evidence.ArchiveReport) {
	fmt.Fprintf(w, "Secret %s\n", r.SecretID)
	for _, v := range r.Versions {
		status := "OK"
		if !v.Match || len(v.Problems) > 0 {
			status = "MISMATCH"
		}
		fmt.Fprintf(w, "  v%d  %s  %s\n", v.Number, v.StoredHash, status)
		for _, p := range v.Problems {
			fmt.Fprintf(w, "      %s\n", p)
		}
	}
	if r.ManifestOK {
		fmt.Fprintln(w, "Manifest OK")
	} else {
		fmt.Fprintln(w, "Manifest FAILED")
		for _, p := range r.ManifestProblems {
			fmt.Fprintf(w, "  %s\n", p)
		}
	}
	for action, n := range r.Actions {
		fmt.Fprintf(w, "Audit %-8s %d\n", action, n)
	}
	if r.Valid {
		fmt.Fprintln(w, "PASS")
	} else {
		fmt.Fprintln(w, "FAIL")
	}
}
