// Package standby manages standby images: the generated default slate and
// images uploaded per session.
package standby

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"

	// Register decoders accepted for uploads.
	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"

	"github.com/jmylchreest/rtmpush/internal/storage"
)

// DefaultName is the file name of the generated slate.
const DefaultName = "default-standby.png"

var (
	// ErrInvalidImage is returned when uploaded bytes are not a supported image.
	ErrInvalidImage = errors.New("not a supported image (png, jpeg, gif, webp)")
	// ErrImageTooLarge is returned when an upload exceeds the size limit.
	ErrImageTooLarge = errors.New("image exceeds maximum size")
)

var formatExt = map[string]string{
	"png":  ".png",
	"jpeg": ".jpg",
	"gif":  ".gif",
	"webp": ".webp",
}

// Library stores standby images in one directory.
type Library struct {
	sb      *storage.Sandbox
	maxSize int64
}

// NewLibrary stores images under dir. maxSize <= 0 disables the size check.
func NewLibrary(dir string, maxSize int64) (*Library, error) {
	sb, err := storage.NewSandbox(dir)
	if err != nil {
		return nil, fmt.Errorf("creating standby directory: %w", err)
	}
	return &Library{sb: sb, maxSize: maxSize}, nil
}

// Dir returns the standby directory.
func (l *Library) Dir() string {
	return l.sb.BaseDir()
}

// DefaultPath returns the absolute path of the default slate.
func (l *Library) DefaultPath() string {
	return filepath.Join(l.sb.BaseDir(), DefaultName)
}

// EnsureDefault generates the default slate if it does not exist yet and
// returns its path.
func (l *Library) EnsureDefault() (string, error) {
	if l.sb.Exists(DefaultName) {
		return l.DefaultPath(), nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, RenderSlate(1280, 720, "STANDBY")); err != nil {
		return "", fmt.Errorf("encoding default standby: %w", err)
	}
	if err := l.sb.AtomicWrite(DefaultName, buf.Bytes()); err != nil {
		return "", fmt.Errorf("writing default standby: %w", err)
	}
	return l.DefaultPath(), nil
}

// RenderSlate draws a dark slate with a centred label.
func RenderSlate(width, height int, label string) image.Image {
	bg := color.RGBA{R: 0x1c, G: 0x1f, B: 0x26, A: 0xff}
	fg := color.RGBA{R: 0xe6, G: 0xe6, B: 0xe6, A: 0xff}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	// basicfont is 7x13; draw the label small and scale it up.
	face := basicfont.Face7x13
	textW := font.MeasureString(face, label).Ceil()
	textH := face.Height
	if textW == 0 {
		return dst
	}
	text := image.NewRGBA(image.Rect(0, 0, textW, textH))
	d := &font.Drawer{
		Dst:  text,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(label)

	scale := max(1, min(width*6/10/textW, height/4/textH))
	w, h := textW*scale, textH*scale
	x0, y0 := (width-w)/2, (height-h)/2
	draw.NearestNeighbor.Scale(dst, image.Rect(x0, y0, x0+w, y0+h), text, text.Bounds(), draw.Over, nil)
	return dst
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename reduces name to a safe base name.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "standby"
	}
	return name
}

// Save validates data as an image and stores it as
// "<sessionID>-<sanitised filename>", returning the absolute path and the
// stored file name. The extension is corrected to match the decoded format.
func (l *Library) Save(sessionID, filename string, data []byte) (string, string, error) {
	if l.maxSize > 0 && int64(len(data)) > l.maxSize {
		return "", "", fmt.Errorf("%w: %d bytes (limit %d)", ErrImageTooLarge, len(data), l.maxSize)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width == 0 || cfg.Height == 0 {
		return "", "", ErrInvalidImage
	}
	ext, ok := formatExt[format]
	if !ok {
		return "", "", ErrInvalidImage
	}

	base := SanitizeFilename(filename)
	if cur := strings.ToLower(filepath.Ext(base)); cur != ext && !(ext == ".jpg" && cur == ".jpeg") {
		base = strings.TrimSuffix(base, filepath.Ext(base)) + ext
	}
	name := sessionID + "-" + base

	if err := l.sb.AtomicWrite(name, data); err != nil {
		return "", "", fmt.Errorf("writing standby image: %w", err)
	}
	return filepath.Join(l.sb.BaseDir(), name), name, nil
}

// SessionFiles lists stored uploads, keyed by the session id prefix.
func (l *Library) SessionFiles() (map[string][]fs.FileInfo, error) {
	infos, err := l.sb.List("")
	if err != nil {
		return nil, err
	}
	out := make(map[string][]fs.FileInfo)
	for _, info := range infos {
		if info.Name() == DefaultName {
			continue
		}
		id, _, ok := strings.Cut(info.Name(), "-")
		if !ok {
			continue
		}
		out[id] = append(out[id], info)
	}
	return out, nil
}

// Remove deletes a stored upload by file name.
func (l *Library) Remove(name string) error {
	return l.sb.Remove(name)
}
