package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/austinkregel/local-media/audiobookd/internal/audio"
	"github.com/austinkregel/local-media/audiobookd/internal/filesystem"
	"github.com/austinkregel/local-media/audiobookd/internal/registry"
	"github.com/austinkregel/local-media/audiobookd/internal/scanner"
	"github.com/austinkregel/local-media/audiobookd/internal/types"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <catalog.yaml | book directory>...",
	Short: "Add books to the registry",
	Long: "Add books to the registry from a YAML catalog, or by scanning a directory\n" +
		"of audio files as one book (tracks are probed with ffprobe).",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := registry.Open(cfgMgr.Get().RegistryPath, registry.Options{})
		if err != nil {
			return fmt.Errorf("failed to open registry: %w", err)
		}
		defer store.Close()

		for _, arg := range args {
			n, err := importPath(store, arg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d book(s)\n", arg, n)
		}
		return nil
	},
}

func importPath(store *registry.Store, path string) (int, error) {
	info, err := filesystem.API().Stat(path)
	if err != nil {
		return 0, err
	}

	if !info.IsDir() {
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return 0, fmt.Errorf("%s: expected a .yaml catalog or a directory", path)
		}
		f, err := filesystem.API().Open(path)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		catalog, err := registry.ParseCatalog(f)
		if err != nil {
			return 0, err
		}
		return store.Import(catalog)
	}

	decoder, err := audio.NewFFmpegDecoder()
	if err != nil {
		return 0, err
	}
	book, err := scanner.ScanBook(path, ffprobe{decoder})
	if err != nil {
		return 0, err
	}
	if err := store.SaveBook(book, types.BookDownloadSuccessful); err != nil {
		return 0, err
	}
	return 1, nil
}

// ffprobe adapts the decoder's metadata probe to the scanner
type ffprobe struct {
	decoder *audio.FFmpegDecoder
}

func (p ffprobe) Probe(path string) (scanner.Probe, error) {
	meta, err := p.decoder.Metadata(path)
	if err != nil {
		return scanner.Probe{}, err
	}
	return scanner.Probe{
		Title:    meta.Title,
		Artist:   meta.Artist,
		Album:    meta.Album,
		Duration: meta.Duration,
		Chapters: lo.Map(meta.Chapters, func(m audio.ChapterMark, _ int) scanner.Mark {
			return scanner.Mark{Title: m.Title, Start: m.Start, End: m.End}
		}),
	}, nil
}
