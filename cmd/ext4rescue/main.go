// Command ext4rescue recovers data from a damaged ext2/3/4 filesystem
// image: it scans an image (optionally guided by a ddrescue rescue log),
// lists the recovered file tree with per-file damage status, and extracts
// surviving file content to a target directory.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ext4rescue/ext4rescue/damagemap"
	"github.com/ext4rescue/ext4rescue/ext4image"
	"github.com/ext4rescue/ext4rescue/extract"
	"github.com/ext4rescue/ext4rescue/filetree"
	"github.com/ext4rescue/ext4rescue/naming"
	"github.com/ext4rescue/ext4rescue/rescuelog"
	"github.com/ext4rescue/ext4rescue/scanner"
	"github.com/ext4rescue/ext4rescue/treecache"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ext4rescue <scan|list|extract> -image PATH [-ddrescue PATH] [-force] [-v] [extract: -out DIR]")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "scan":
		runScan(os.Args[2:])
	case "list":
		runList(os.Args[2:])
	case "extract":
		runExtract(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

type commonFlags struct {
	image    string
	ddrescue string
	force    bool
	verbose  bool
}

func parseCommon(name string, args []string, extra func(*flag.FlagSet)) *commonFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := &commonFlags{}
	fs.StringVar(&c.image, "image", "", "path to the disk image")
	fs.StringVar(&c.ddrescue, "ddrescue", "", "path to a ddrescue map file (optional)")
	fs.BoolVar(&c.force, "force", false, "ignore any cached tree and rescan")
	fs.BoolVar(&c.verbose, "v", false, "verbose logging")
	if extra != nil {
		extra(fs)
	}
	fs.Parse(args)
	if c.image == "" {
		fmt.Fprintf(os.Stderr, "%s: -image is required\n", name)
		os.Exit(2)
	}
	return c
}

func newLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return l
}

// identity resolves the absolute paths and mtimes used as the tree cache
// key (spec.md §4.6): the image path is required, the ddrescue log path is
// optional and resolves to zero values when absent.
type identity struct {
	imageAbs  string
	imageMtime time.Time
	ddAbs     string
	ddMtime   time.Time
}

func resolveIdentity(c *commonFlags) (identity, error) {
	var id identity
	imgAbs, err := filepath.Abs(c.image)
	if err != nil {
		return id, fmt.Errorf("resolving image path: %w", err)
	}
	info, err := os.Stat(c.image)
	if err != nil {
		return id, fmt.Errorf("stat image: %w", err)
	}
	id.imageAbs = imgAbs
	id.imageMtime = info.ModTime()

	if c.ddrescue == "" {
		return id, nil
	}
	ddAbs, err := filepath.Abs(c.ddrescue)
	if err != nil {
		return id, fmt.Errorf("resolving ddrescue log path: %w", err)
	}
	ddInfo, err := os.Stat(c.ddrescue)
	if err != nil {
		return id, fmt.Errorf("stat ddrescue log: %w", err)
	}
	id.ddAbs = ddAbs
	id.ddMtime = ddInfo.ModTime()
	return id, nil
}

// loadOrScan opens the image and either reloads a matching tree cache or
// performs a full scan, writing the cache back. If writing the cache fails,
// the partially written cache file is removed rather than left behind.
func loadOrScan(c *commonFlags, logger *logrus.Logger) (*filetree.Tree, *ext4image.Image, int, error) {
	id, err := resolveIdentity(c)
	if err != nil {
		return nil, nil, 0, err
	}

	dmg, err := loadDamageMap(c.image, c.ddrescue)
	if err != nil {
		return nil, nil, 0, err
	}

	img, err := ext4image.Open(c.image, dmg)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("opening image: %w", err)
	}

	cachePath, err := treecache.Path(id.imageAbs, id.imageMtime, id.ddAbs, id.ddMtime)
	if err != nil {
		logger.WithError(err).Warn("failed to resolve tree cache path; scanning without a cache")
	}

	if !c.force && cachePath != "" {
		if tree, lerr := treecache.Load(cachePath, id.imageAbs, id.ddAbs); lerr == nil {
			return tree, img, 0, nil
		}
	}

	result := scanner.Scan(img, nil, logger)
	if cachePath != "" {
		if serr := treecache.Save(cachePath, result.Tree, id.imageAbs, id.ddAbs); serr != nil {
			logger.WithError(serr).Warn("failed to write tree cache")
			os.Remove(cachePath)
		}
	}
	return result.Tree, img, result.UnreadableInodes, nil
}

func loadDamageMap(imagePath, ddrescuePath string) (*damagemap.Map, error) {
	info, err := os.Stat(imagePath)
	if err != nil {
		return nil, fmt.Errorf("stat image: %w", err)
	}
	size := uint64(info.Size())
	if ddrescuePath == "" {
		return damagemap.AllGood(size), nil
	}
	f, err := os.Open(ddrescuePath)
	if err != nil {
		return nil, fmt.Errorf("opening ddrescue log: %w", err)
	}
	defer f.Close()
	dmg, err := rescuelog.Load(f, size)
	if err != nil {
		return nil, fmt.Errorf("parsing ddrescue log: %w", err)
	}
	return dmg, nil
}

func runScan(args []string) {
	c := parseCommon("scan", args, nil)
	logger := newLogger(c.verbose)
	tree, img, unreadable, err := loadOrScan(c, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer img.Close()
	fmt.Printf("nodes: %d\n", len(tree.Nodes))
	fmt.Printf("unreadable inodes: %d\n", unreadable)
}

func runList(args []string) {
	c := parseCommon("list", args, nil)
	logger := newLogger(c.verbose)
	tree, img, _, err := loadOrScan(c, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer img.Close()

	inodes := make([]uint32, 0, len(tree.Nodes))
	for n := range tree.Nodes {
		inodes = append(inodes, n)
	}
	sort.Slice(inodes, func(i, j int) bool { return inodes[i] < inodes[j] })
	for _, n := range inodes {
		node := tree.Nodes[n]
		fmt.Printf("%s %s\n", naming.Path(tree, node), naming.StatusLetters(node.Status()))
	}
}

func runExtract(args []string) {
	var out string
	c := parseCommon("extract", args, func(fs *flag.FlagSet) {
		fs.StringVar(&out, "out", "", "target directory for extracted files")
	})
	if out == "" {
		fmt.Fprintln(os.Stderr, "extract: -out is required")
		os.Exit(2)
	}
	logger := newLogger(c.verbose)
	tree, img, _, err := loadOrScan(c, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer img.Close()

	w := extract.New(tree, img, out, c.force, logger)
	stats, err := w.Run()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("files written: %d, bytes written: %d, bytes lost: %d\n", stats.FilesWritten, stats.BytesWritten, stats.BytesLost)
}
