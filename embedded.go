package main

import (
	"embed"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
)

//go:embed templates/index.html
var embeddedFiles embed.FS

func loadTemplates() (*template.Template, error) {
	tmpl, err := template.New("index.html").Funcs(template.FuncMap{
		"percent": func(v float32) string {
			return fmt.Sprintf("%.2f%%", v*100)
		},
	}).ParseFS(embeddedFiles, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return tmpl, nil
}

// saveUpload writes an uploaded file into dir under its client-supplied
// base name and returns the written path. Existing files are overwritten.
func saveUpload(dir string, header *multipart.FileHeader) (string, error) {
	name := filepath.Base(filepath.Clean("/" + header.Filename))
	if name == "/" || name == "." {
		return "", fmt.Errorf("invalid upload filename %q", header.Filename)
	}

	src, err := header.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	destPath := filepath.Join(dir, name)
	if err := extractFile(src, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

// extractFile is a helper function to copy a stream to a file
func extractFile(src io.Reader, destPath string) error {
	outFile, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	_, err = io.Copy(outFile, src)
	return err
}
