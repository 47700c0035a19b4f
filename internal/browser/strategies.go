package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
)

// strategy is one way of performing a UI interaction against the chat
// page. The page is a moving target: selectors that work today break on
// the next frontend deploy, so every interaction carries an ordered list
// of alternatives.
type strategy struct {
	name string
	run  func(ctx context.Context) error
}

// runFirst executes strategies in order and stops at the first success.
// Contract: strategies are tried strictly in list order, a success ends
// the run, and only if all fail is an error returned (wrapping the last
// failure). Callers order lists from most specific to most desperate.
func runFirst(ctx context.Context, logger arbor.ILogger, step string, strategies []strategy) error {
	var lastErr error
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.run(ctx); err != nil {
			logger.Debug().
				Str("step", step).
				Str("strategy", s.name).
				Err(err).
				Msg("Strategy failed, trying next")
			lastErr = err
			continue
		}
		logger.Debug().
			Str("step", step).
			Str("strategy", s.name).
			Msg("Strategy succeeded")
		return nil
	}
	return fmt.Errorf("all %d strategies failed for %s: %w", len(strategies), step, lastErr)
}

// attachmentMenuStrategies opens the composer attachment menu.
func attachmentMenuStrategies() []strategy {
	return []strategy{
		{
			name: "composer add button by testid",
			run: func(ctx context.Context) error {
				return chromedp.Run(ctx, chromedp.Click(`[data-testid="chat-composer-add-button"]`, chromedp.ByQuery, chromedp.NodeVisible))
			},
		},
		{
			name: "plus button by text",
			run: func(ctx context.Context) error {
				return chromedp.Run(ctx, chromedp.Click(`//button[normalize-space(.)="+"]`, chromedp.BySearch))
			},
		},
		{
			name: "first toolbar button",
			run: func(ctx context.Context) error {
				return chromedp.Run(ctx, chromedp.Click(`.flex.items-center button`, chromedp.ByQuery, chromedp.NodeVisible))
			},
		},
		{
			name: "upload menu item by text",
			run: func(ctx context.Context) error {
				return chromedp.Run(ctx, chromedp.Click(`//*[@role="menuitem" and contains(., "Upload")]`, chromedp.BySearch))
			},
		},
	}
}

// fileUploadStrategies delivers the input image to the page's file input.
func fileUploadStrategies(absImagePath string) []strategy {
	return []strategy{
		{
			name: "existing file input",
			run: func(ctx context.Context) error {
				return chromedp.Run(ctx, chromedp.SetUploadFiles(`input[type="file"]`, []string{absImagePath}, chromedp.ByQuery))
			},
		},
		{
			name: "injected file input",
			run: func(ctx context.Context) error {
				// Some revisions only create the input after the menu
				// animation; inject one wired to the same handler tree.
				var ignored bool
				if err := chromedp.Run(ctx, chromedp.Evaluate(injectFileInputJS, &ignored)); err != nil {
					return err
				}
				return chromedp.Run(ctx, chromedp.SetUploadFiles(`input[type="file"]`, []string{absImagePath}, chromedp.ByQuery))
			},
		},
	}
}

// promptEntryStrategies puts the prompt text into the composer.
func promptEntryStrategies(promptText string) []strategy {
	return []strategy{
		{
			name: "textarea by placeholder",
			run: func(ctx context.Context) error {
				return chromedp.Run(ctx,
					chromedp.Click(`textarea[placeholder*="Message"]`, chromedp.ByQuery, chromedp.NodeVisible),
					chromedp.SendKeys(`textarea[placeholder*="Message"]`, promptText, chromedp.ByQuery),
				)
			},
		},
		{
			name: "contenteditable composer",
			run: func(ctx context.Context) error {
				return chromedp.Run(ctx,
					chromedp.Click(`#prompt-textarea`, chromedp.ByQuery, chromedp.NodeVisible),
					chromedp.SendKeys(`#prompt-textarea`, promptText, chromedp.ByQuery),
				)
			},
		},
		{
			name: "composer by testid",
			run: func(ctx context.Context) error {
				sel := `[data-testid="chat-composer-textarea"] textarea`
				return chromedp.Run(ctx,
					chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible),
					chromedp.SendKeys(sel, promptText, chromedp.ByQuery),
				)
			},
		},
		{
			name: "any visible textarea",
			run: func(ctx context.Context) error {
				return chromedp.Run(ctx,
					chromedp.Click(`textarea`, chromedp.ByQuery, chromedp.NodeVisible),
					chromedp.SendKeys(`textarea`, promptText, chromedp.ByQuery),
				)
			},
		},
	}
}

// injectFileInputJS creates a hidden file input when the page has none.
const injectFileInputJS = `(() => {
	if (!document.querySelector('input[type="file"]')) {
		const input = document.createElement('input');
		input.type = 'file';
		input.style.position = 'fixed';
		input.style.top = '0';
		input.style.left = '0';
		input.style.opacity = '0';
		document.body.appendChild(input);
	}
	return true;
})()`

// generationCompleteJS reports whether the page shows the
// generation-complete signal: the "Image created" caption or a rendered
// generated image with no spinner still visible.
const generationCompleteJS = `(() => {
	const spans = document.querySelectorAll('span');
	for (const el of spans) {
		if (el.textContent && el.textContent.trim() === 'Image created') {
			return true;
		}
	}
	const spinning = document.querySelector('.animate-spin');
	if (spinning && spinning.offsetParent !== null) {
		return false;
	}
	return !!document.querySelector('img[alt="Generated image"]');
})()`
