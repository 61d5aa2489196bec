// storecli is a minimal dependency-store tool for walkthroughs and
// debugging: it puts files into a localfs store under their content id and
// fetches them back.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"

	"xdao.co/txflow/cidutil"
	"xdao.co/txflow/storage"
	"xdao.co/txflow/storage/localfs"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "put":
		return cmdPut(args[1:], out, errOut)
	case "get":
		return cmdGet(args[1:], out, errOut)
	case "has":
		return cmdHas(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "storecli: minimal dependency-store tool")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  storecli put --dir <dir> [--kind attachment|transaction] <file>")
	fmt.Fprintln(w, "  storecli get --dir <dir> --cid <cid> [--out <file>]")
	fmt.Fprintln(w, "  storecli has --dir <dir> --cid <cid>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - attachments are stored as CIDv1 raw + sha2-256")
	fmt.Fprintln(w, "  - transactions as CIDv1 dag-cbor + sha2-256 over canonical bytes")
}

func openStore(dir string, errOut io.Writer) (*localfs.Store, bool) {
	if dir == "" {
		fmt.Fprintln(errOut, "missing --dir")
		return nil, false
	}
	s, err := localfs.New(dir)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return nil, false
	}
	return s, true
}

func cmdPut(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dir := fs.String("dir", "", "Store directory")
	kind := fs.String("kind", "attachment", "Content kind: attachment|transaction")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: storecli put --dir <dir> [--kind attachment|transaction] <file>")
		return 2
	}

	s, ok := openStore(*dir, errOut)
	if !ok {
		return 1
	}

	p := fs.Arg(0)
	b, err := os.ReadFile(p)
	if err != nil {
		fmt.Fprintf(errOut, "read %s: %v\n", filepath.Base(p), err)
		return 1
	}

	var id cid.Cid
	switch *kind {
	case "attachment":
		id, err = cidutil.AttachmentCID(b)
	case "transaction":
		id, err = cidutil.TransactionCID(b)
	default:
		fmt.Fprintln(errOut, "invalid --kind")
		return 2
	}
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	if err := s.Put(id, b); err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	_, _ = fmt.Fprintln(out, id.String())
	return 0
}

func cmdGet(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dir := fs.String("dir", "", "Store directory")
	cidStr := fs.String("cid", "", "Content id to fetch")
	outPath := fs.String("out", "", "Output file (optional; default stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *cidStr == "" {
		fmt.Fprintln(errOut, "missing --cid")
		return 2
	}

	s, ok := openStore(*dir, errOut)
	if !ok {
		return 1
	}
	id, err := cid.Decode(*cidStr)
	if err != nil {
		fmt.Fprintln(errOut, storage.ErrInvalidCID)
		return 1
	}
	b, err := s.Get(id)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}

	if *outPath == "" {
		_, _ = out.Write(b)
		return 0
	}
	if err := os.WriteFile(*outPath, b, 0o600); err != nil {
		fmt.Fprintf(errOut, "write %s: %v\n", *outPath, err)
		return 1
	}
	return 0
}

func cmdHas(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("has", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dir := fs.String("dir", "", "Store directory")
	cidStr := fs.String("cid", "", "Content id to check")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *cidStr == "" {
		fmt.Fprintln(errOut, "missing --cid")
		return 2
	}

	s, ok := openStore(*dir, errOut)
	if !ok {
		return 1
	}
	id, err := cid.Decode(*cidStr)
	if err != nil {
		fmt.Fprintln(errOut, storage.ErrInvalidCID)
		return 1
	}
	if !s.Has(id) {
		fmt.Fprintln(out, "absent")
		return 1
	}
	fmt.Fprintln(out, "present")
	return 0
}
