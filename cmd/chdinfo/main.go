// Command chdinfo prints header, metadata and verification details for a
// CHD V5 disk image.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	chd "github.com/ZaparooProject/go-chd"
)

var (
	inputFile  = flag.String("i", "", "input CHD file path (required)")
	parentFile = flag.String("p", "", "parent CHD file path")
	verify     = flag.Bool("verify", false, "verify hunk checksums")
	showMeta   = flag.Bool("meta", false, "print metadata entry contents")
	version    = flag.Bool("version", false, "print version and exit")
)

const appVersion = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -i <file.chd> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Prints information about a CHD V5 disk image.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -i game.chd\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -i delta.chd -p base.chd -verify\n", os.Args[0])
	}
	flag.Parse()

	if *version {
		fmt.Printf("chdinfo version %s\n", appVersion)
		os.Exit(0)
	}

	if *inputFile == "" {
		fmt.Fprintf(os.Stderr, "Error: input file required (-i)\n")
		flag.Usage()
		os.Exit(1)
	}

	image, err := chd.Open(*inputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening CHD: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = image.Close() }()

	if *parentFile != "" {
		parent, err := chd.Open(*parentFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening parent CHD: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = parent.Close() }()
		if err := image.SetParent(parent); err != nil {
			fmt.Fprintf(os.Stderr, "Error attaching parent: %v\n", err)
			os.Exit(1)
		}
	}

	if err := image.WriteSummary(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	printMetadata(image)

	if *verify {
		fmt.Println()
		if err := image.Verify(); err != nil {
			fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Verification:  OK")
	}
}

func printMetadata(image *chd.Chd) {
	entries, err := image.Metadata()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading metadata: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		return
	}

	fmt.Println("\nMetadata:")
	for _, entry := range entries {
		fmt.Printf("  %s (%d bytes, flags %#02x)\n", entry.TagString(), len(entry.Data), entry.Flags)
		if *showMeta {
			printEntryData(entry.Data)
		}
	}
}

func printEntryData(data []byte) {
	text := strings.TrimRight(string(data), "\x00")
	printable := true
	for _, r := range text {
		if r != '\n' && r != '\t' && (r < 0x20 || r > 0x7e) {
			printable = false
			break
		}
	}
	if printable {
		for _, line := range strings.Split(text, "\n") {
			fmt.Printf("    %s\n", line)
		}
		return
	}
	fmt.Printf("    % x\n", data)
}
