package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// CaptureOutput locates the generated image in the rendered page and
// writes it to destPath. Discovery runs over the page HTML with goquery,
// ordered from the exact markers the page uses down to heuristics; the
// image bytes are fetched inside the page so the session's cookies apply.
// Falls back to an element screenshot, then a full-page screenshot.
// Returns ErrCaptureFailed when nothing could be saved.
func (s *ChromeSession) CaptureOutput(ctx context.Context, destPath string) error {
	capCtx, cancel := context.WithTimeout(s.browserCtx, 60*time.Second)
	defer cancel()

	var html string
	if err := chromedp.Run(capCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("%w: could not read page HTML: %v", ErrCaptureFailed, err)
	}

	if src, err := findGeneratedImageSrc(html); err == nil {
		if err := s.downloadImageInPage(capCtx, src, destPath); err == nil {
			s.logger.Info().Str("dest", destPath).Msg("Generated image downloaded")
			return nil
		} else {
			s.logger.Warn().Err(err).Str("src", truncate(src, 120)).Msg("In-page download failed, falling back to screenshot")
		}
	} else {
		s.logger.Warn().Err(err).Msg("No generated image found in HTML, falling back to screenshot")
	}

	// Element screenshot of the generated image, if present.
	var shot []byte
	err := chromedp.Run(capCtx, chromedp.Screenshot(`img[alt="Generated image"]`, &shot, chromedp.ByQuery, chromedp.NodeVisible))
	if err == nil && len(shot) > 0 {
		if err := os.WriteFile(destPath, shot, 0644); err == nil {
			s.logger.Info().Str("dest", destPath).Msg("Generated image captured via element screenshot")
			return nil
		}
	}

	// Last resort: full page screenshot, still better than nothing for
	// manual review.
	var full []byte
	if err := chromedp.Run(capCtx, chromedp.CaptureScreenshot(&full)); err == nil && len(full) > 0 {
		if err := os.WriteFile(destPath, full, 0644); err == nil {
			s.logger.Warn().Str("dest", destPath).Msg("Saved full-page screenshot instead of generated image")
			return nil
		}
	}

	return ErrCaptureFailed
}

// findGeneratedImageSrc picks the most plausible generated-image URL from
// the page HTML. Priority order:
//
//  1. img[alt="Generated image"] - the exact marker the page renders
//  2. img served from the generation CDN (oaiusercontent.com)
//  3. any large-looking non-avatar img with the result layout classes
func findGeneratedImageSrc(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("failed to parse page HTML: %w", err)
	}

	if src, ok := doc.Find(`img[alt="Generated image"]`).First().Attr("src"); ok && src != "" {
		return src, nil
	}

	var cdnSrc string
	doc.Find("img").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		src, ok := sel.Attr("src")
		if ok && strings.Contains(src, "oaiusercontent.com") {
			cdnSrc = src
			return false
		}
		return true
	})
	if cdnSrc != "" {
		return cdnSrc, nil
	}

	var classSrc string
	doc.Find("img.absolute, img.w-full").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		src, ok := sel.Attr("src")
		if !ok || src == "" {
			return true
		}
		lower := strings.ToLower(src)
		if strings.Contains(lower, "avatar") || strings.Contains(lower, "user") {
			return true
		}
		classSrc = src
		return false
	})
	if classSrc != "" {
		return classSrc, nil
	}

	return "", fmt.Errorf("no generated image candidate in page")
}

// downloadImageInPage fetches the image from inside the page context so
// the request carries the session's cookies, then writes the decoded
// bytes to destPath.
func (s *ChromeSession) downloadImageInPage(ctx context.Context, src, destPath string) error {
	if !strings.HasPrefix(src, "http") && !strings.HasPrefix(src, "blob:") && !strings.HasPrefix(src, "data:") {
		return fmt.Errorf("unsupported image source scheme")
	}

	if strings.HasPrefix(src, "data:") {
		return writeDataURL(src, destPath)
	}

	expr := fmt.Sprintf(fetchImageJS, jsString(src))

	var dataURL string
	err := chromedp.Run(ctx, chromedp.Evaluate(expr, &dataURL, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return fmt.Errorf("in-page fetch failed: %w", err)
	}

	return writeDataURL(dataURL, destPath)
}

// writeDataURL decodes a data: URL and writes the payload to disk.
func writeDataURL(dataURL, destPath string) error {
	idx := strings.Index(dataURL, "base64,")
	if idx < 0 {
		return fmt.Errorf("fetched image is not base64 encoded")
	}
	payload, err := base64.StdEncoding.DecodeString(dataURL[idx+len("base64,"):])
	if err != nil {
		return fmt.Errorf("failed to decode image payload: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("fetched image is empty")
	}
	return os.WriteFile(destPath, payload, 0644)
}

// jsString quotes a Go string as a JS string literal.
func jsString(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`)
	return "'" + replacer.Replace(s) + "'"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// fetchImageJS fetches a URL from inside the page and resolves to a
// base64 data URL.
const fetchImageJS = `(async () => {
	const resp = await fetch(%s);
	if (!resp.ok) {
		throw new Error('fetch failed: ' + resp.status);
	}
	const blob = await resp.blob();
	return await new Promise((resolve, reject) => {
		const reader = new FileReader();
		reader.onloadend = () => resolve(reader.result);
		reader.onerror = reject;
		reader.readAsDataURL(blob);
	});
})()`
