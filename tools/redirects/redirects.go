// Command redirects scans the kernel package tree for functions tagged
// //go:redirect-from and patches a built kernel image's .goredirectstbl
// section with (original-symbol, redirect-target) address pairs, so the
// linked Go runtime calls straight into the kernel's own replacements
// (sysReserve, sysMap, nanotime, ...) without a trampoline.
package main

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"go/ast"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/tools/go/packages"
)

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[redirects] error: %s\n", err.Error())
	os.Exit(1)
}

// loadKernelPackages resolves every package under kernel/... using the
// standard go/packages driver, which handles module resolution, build tags
// and vendoring consistently rather than a hand-rolled filepath.Walk.
func loadKernelPackages() ([]*packages.Package, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax | packages.NeedTypes,
	}
	pkgs, err := packages.Load(cfg, "./kernel/...")
	if err != nil {
		return nil, err
	}
	if packages.PrintErrors(pkgs) > 0 {
		return nil, errors.New("one or more kernel packages failed to load")
	}
	return pkgs, nil
}

func findRedirects(pkgs []*packages.Package) ([]*redirect, error) {
	var redirects []*redirect

	for _, pkg := range pkgs {
		for _, f := range pkg.Syntax {
			cmap := ast.NewCommentMap(pkg.Fset, f, f.Comments)
			cmap.Filter(f)

			for astNode, commentGroups := range cmap {
				fnDecl, ok := astNode.(*ast.FuncDecl)
				if !ok {
					continue
				}

				for _, commentGroup := range commentGroups {
					for _, comment := range commentGroup.List {
						if !strings.Contains(comment.Text, "go:redirect-from") {
							continue
						}

						fqName := fmt.Sprintf("%s.%s", pkg.PkgPath, fnDecl.Name)

						fields := strings.Fields(comment.Text)
						if len(fields) != 2 || fields[0] != "//go:redirect-from" {
							return nil, fmt.Errorf("malformed go:redirect-from syntax for %q", fqName)
						}

						redirects = append(redirects, &redirect{
							src: fields[1],
							dst: fqName,
						})
					}
				}
			}
		}
	}

	return redirects, nil
}

func elfRedirectTableOffset(imgFile string) (uint64, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	redirectsSection := f.Section(".goredirectstbl")
	if redirectsSection == nil {
		return 0, fmt.Errorf("%s: missing .goredirectstbl section", imgFile)
	}

	return redirectsSection.Offset, nil
}

func elfWriteRedirectTable(redirects []*redirect, imgFile string) error {
	redirectTableOffset, err := elfRedirectTableOffset(imgFile)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(imgFile, os.O_WRONLY, os.ModeType)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.Seek(int64(redirectTableOffset), io.SeekStart); err != nil {
		return err
	}

	for _, redirect := range redirects {
		binary.Write(f, binary.LittleEndian, redirect.srcVMA)
		binary.Write(f, binary.LittleEndian, redirect.dstVMA)
	}

	return nil
}

func elfResolveRedirectSymbols(redirects []*redirect, imgFile string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return err
	}

	for _, redirect := range redirects {
		for _, symbol := range symbols {
			if symbol.Name == redirect.src {
				redirect.srcVMA = symbol.Value
			}
			if symbol.Name == redirect.dst {
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return fmt.Errorf("%s: could not locate address of %q", imgFile, redirect.src)
		case redirect.dstVMA == 0:
			return fmt.Errorf("%s: could not locate address of %q", imgFile, redirect.dst)
		}
	}

	return nil
}

func main() {
	flag.Parse()
	if matches, _ := filepath.Glob("kernel/"); len(matches) != 1 {
		exit(errors.New("this tool must be run from the kernel root folder"))
	}

	if len(flag.Args()) == 0 {
		exit(errors.New("missing command"))
	}

	cmd := flag.Arg(0)
	var imgFile string
	switch cmd {
	case "count":
	case "populate-table":
		if len(flag.Args()) != 2 {
			exit(errors.New("populate-table requires the path to the kernel image as an argument"))
		}
		imgFile = flag.Arg(1)
	default:
		exit(fmt.Errorf("unknown command %q", cmd))
	}

	pkgs, err := loadKernelPackages()
	if err != nil {
		exit(err)
	}

	redirects, err := findRedirects(pkgs)
	if err != nil {
		exit(err)
	}

	if cmd == "count" {
		fmt.Printf("%d", len(redirects))
		return
	}

	if err = elfResolveRedirectSymbols(redirects, imgFile); err != nil {
		exit(err)
	}

	if err = elfWriteRedirectTable(redirects, imgFile); err != nil {
		exit(err)
	}
}
