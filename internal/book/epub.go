package book

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// container.xml locates the OPF package document inside the EPUB zip.
type containerXML struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

// packageDoc is the subset of the OPF package document we care about:
// document order (spine), item locations (manifest), and DC metadata.
type packageDoc struct {
	Metadata struct {
		Titles   []string `xml:"title"`
		Creators []string `xml:"creator"`
		Metas    []struct {
			Name    string `xml:"name,attr"`
			Content string `xml:"content,attr"`
		} `xml:"meta"`
	} `xml:"metadata"`
	Manifest struct {
		Items []manifestItem `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		ItemRefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

type manifestItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

var intraSpace = regexp.MustCompile(`[ \t\r\f\v]+`)

// Read parses the EPUB at path into ordered chapters plus metadata.
// Chapters with no extractable text are skipped. Returns ErrNoContent
// when the whole book yields nothing readable.
func Read(epubPath string) (*Book, error) {
	zr, err := zip.OpenReader(epubPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEPUB, err)
	}
	defer zr.Close() //nolint:errcheck

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	opfPath, err := findPackagePath(files)
	if err != nil {
		return nil, err
	}

	var pkg packageDoc
	if err := decodeXML(files, opfPath, &pkg); err != nil {
		return nil, fmt.Errorf("parse package document: %w", err)
	}

	itemsByID := make(map[string]manifestItem, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		itemsByID[item.ID] = item
	}

	opfDir := path.Dir(opfPath)
	book := &Book{Meta: readMetadata(pkg, itemsByID, files, opfDir)}

	for _, ref := range pkg.Spine.ItemRefs {
		item, ok := itemsByID[ref.IDRef]
		if !ok || !isDocumentType(item.MediaType) {
			continue
		}
		f, ok := files[resolveHref(opfDir, item.Href)]
		if !ok {
			continue
		}
		title, text, err := extractDocument(f)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", item.Href, err)
		}
		if text == "" {
			continue
		}
		book.Chapters = append(book.Chapters, Chapter{Title: title, Text: text})
	}

	if len(book.Chapters) == 0 {
		return nil, ErrNoContent
	}
	return book, nil
}

// ReadMetadata parses only the publishing metadata, skipping chapter
// extraction. Used by the metadata inspection mode.
func ReadMetadata(epubPath string) (Metadata, error) {
	zr, err := zip.OpenReader(epubPath)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrNotEPUB, err)
	}
	defer zr.Close() //nolint:errcheck

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	opfPath, err := findPackagePath(files)
	if err != nil {
		return Metadata{}, err
	}
	var pkg packageDoc
	if err := decodeXML(files, opfPath, &pkg); err != nil {
		return Metadata{}, fmt.Errorf("parse package document: %w", err)
	}

	itemsByID := make(map[string]manifestItem, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		itemsByID[item.ID] = item
	}
	return readMetadata(pkg, itemsByID, files, path.Dir(opfPath)), nil
}

func findPackagePath(files map[string]*zip.File) (string, error) {
	var c containerXML
	if err := decodeXML(files, "META-INF/container.xml", &c); err != nil {
		return "", fmt.Errorf("%w: missing container.xml", ErrNotEPUB)
	}
	if len(c.Rootfiles) == 0 || c.Rootfiles[0].FullPath == "" {
		return "", fmt.Errorf("%w: container.xml names no rootfile", ErrNotEPUB)
	}
	return c.Rootfiles[0].FullPath, nil
}

func decodeXML(files map[string]*zip.File, name string, v any) error {
	f, ok := files[name]
	if !ok {
		return fmt.Errorf("file %s not found in archive", name)
	}
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer r.Close() //nolint:errcheck
	return xml.NewDecoder(r).Decode(v)
}

func readMetadata(pkg packageDoc, items map[string]manifestItem, files map[string]*zip.File, opfDir string) Metadata {
	meta := Metadata{Title: "Unknown Title", Author: "Unknown Author"}
	if len(pkg.Metadata.Titles) > 0 && strings.TrimSpace(pkg.Metadata.Titles[0]) != "" {
		meta.Title = strings.TrimSpace(pkg.Metadata.Titles[0])
	}
	if len(pkg.Metadata.Creators) > 0 && strings.TrimSpace(pkg.Metadata.Creators[0]) != "" {
		meta.Author = strings.TrimSpace(pkg.Metadata.Creators[0])
	}

	// Cover lookup order: manifest cover-image property, then the legacy
	// <meta name="cover"> pointer, then any image item named like a cover.
	var cover manifestItem
	for _, item := range pkg.Manifest.Items {
		if strings.Contains(item.Properties, "cover-image") {
			cover = item
			break
		}
	}
	if cover.Href == "" {
		for _, m := range pkg.Metadata.Metas {
			if m.Name == "cover" && m.Content != "" {
				cover = items[m.Content]
				break
			}
		}
	}
	if cover.Href == "" {
		for _, item := range pkg.Manifest.Items {
			if strings.HasPrefix(item.MediaType, "image/") &&
				strings.Contains(strings.ToLower(item.Href), "cover") {
				cover = item
				break
			}
		}
	}
	if cover.Href == "" {
		return meta
	}

	f, ok := files[resolveHref(opfDir, cover.Href)]
	if !ok {
		return meta
	}
	r, err := f.Open()
	if err != nil {
		return meta
	}
	defer r.Close() //nolint:errcheck
	data, err := io.ReadAll(r)
	if err != nil {
		return meta
	}
	meta.Cover = data
	meta.CoverMIME = cover.MediaType
	return meta
}

func isDocumentType(mediaType string) bool {
	switch mediaType {
	case "application/xhtml+xml", "text/html":
		return true
	}
	return false
}

func resolveHref(opfDir, href string) string {
	if opfDir == "." || opfDir == "" {
		return href
	}
	return path.Join(opfDir, href)
}

// extractDocument pulls the document title and readable text from one
// XHTML spine item. Block elements become paragraph breaks so the
// chunk planner can honor its split pattern.
func extractDocument(f *zip.File) (title, text string, err error) {
	r, err := f.Open()
	if err != nil {
		return "", "", err
	}
	defer r.Close() //nolint:errcheck

	root, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "head":
				if n.Data == "head" {
					title = findTitle(n)
				}
				return
			}
		case html.TextNode:
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlockElement(n.Data) {
			sb.WriteString("\n")
		}
	}
	walk(root)

	return strings.TrimSpace(title), cleanText(sb.String()), nil
}

func findTitle(head *html.Node) string {
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "title" && c.FirstChild != nil {
			return c.FirstChild.Data
		}
	}
	return ""
}

func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6", "li", "br",
		"blockquote", "section", "article", "tr":
		return true
	}
	return false
}

// cleanText collapses runs of spaces within lines and drops blank lines,
// leaving single newlines as paragraph separators.
func cleanText(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(intraSpace.ReplaceAllString(line, " "))
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}
