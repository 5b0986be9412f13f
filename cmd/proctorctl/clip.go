package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"proctor/internal/webm"
)

func cmdClip() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: proctorctl clip <inspect|patch> [options] <file>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "inspect":
		clipInspect(os.Args[3:])
	case "patch":
		clipPatch(os.Args[3:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown clip action: %s\n", os.Args[2])
		os.Exit(1)
	}
}

func readClip(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading clip: %v\n", err)
		os.Exit(1)
	}
	return data
}

func clipInspect(args []string) {
	fs := flag.NewFlagSet("clip inspect", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: proctorctl clip inspect <file>")
		os.Exit(1)
	}

	path := fs.Arg(0)
	data := readClip(path)

	fmt.Printf("File:           %s\n", path)
	fmt.Printf("Size:           %s\n", formatBytes(int64(len(data))))
	fmt.Printf("Timecode scale: %d ns\n", webm.TimecodeScale(data))
	if d, ok := webm.ReadDuration(data); ok {
		fmt.Printf("Duration:       %s\n", d)
	} else {
		fmt.Println("Duration:       not declared")
	}
}

func clipPatch(args []string) {
	fs := flag.NewFlagSet("clip patch", flag.ExitOnError)
	duration := fs.Duration("duration", 0, "Duration to declare (required)")
	output := fs.String("o", "", "Output file (default: overwrite the input)")
	fs.Parse(args)

	if fs.NArg() < 1 || *duration <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: proctorctl clip patch -duration 20s [-o out.webm] <file>")
		os.Exit(1)
	}

	path := fs.Arg(0)
	data := readClip(path)
	if _, _, ok := webm.Locate(data); !ok {
		fmt.Fprintln(os.Stderr, "No Duration element found; clip left unchanged")
		os.Exit(1)
	}

	patched := webm.PatchDuration(data, *duration)
	dst := *output
	if dst == "" {
		dst = path
	}
	if err := os.WriteFile(dst, patched, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing clip: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Declared duration %s written to %s\n", duration.Round(time.Millisecond), dst)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
