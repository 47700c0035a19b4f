package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/emudata/harvester/internal/common"
)

// GenerationStatus is the outcome of waiting for an image generation.
type GenerationStatus string

const (
	GenerationReady    GenerationStatus = "ready"
	GenerationTimedOut GenerationStatus = "timed_out"
)

var (
	// ErrSessionInit is returned when the browser could not be started.
	// Retried with backoff at worker start.
	ErrSessionInit = errors.New("browser session initialization failed")
	// ErrCaptureFailed is returned when no generated image could be
	// located or saved. Downgraded to a placeholder write by the caller.
	ErrCaptureFailed = errors.New("could not capture generated output")
)

// Session is the capability a worker drives: upload an image and a prompt,
// wait for the generated image, capture it. All calls are synchronous from
// the worker's perspective. The chat page is an uncontrolled third party,
// so any call may fail; failures are reported, never retried internally
// beyond the ordered locator strategies.
type Session interface {
	Start(ctx context.Context) error
	Authenticate(ctx context.Context) error
	IsAuthenticated(ctx context.Context) bool
	SubmitPrompt(ctx context.Context, imagePath, promptText string) error
	WaitForGeneration(ctx context.Context) (GenerationStatus, error)
	CaptureOutput(ctx context.Context, destPath string) error
	ResetConversation(ctx context.Context) error
	Close() error
}

// Factory constructs a session bound to an isolated browser profile
// directory. The dispatcher allocates the profile; the worker owns the
// session for its lifetime. Profiles are never shared between live
// sessions - concurrent use corrupts the stored login state.
type Factory func(profileDir string) Session

// ChromeSession drives one visible Chrome instance through chromedp.
// Each session gets its own exec allocator with a dedicated user-data-dir,
// so every worker is a separate Chrome process with separate cookies.
type ChromeSession struct {
	config  common.BrowserConfig
	profile string
	logger  arbor.ILogger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	navigateTimeout time.Duration
	generationWait  time.Duration
	pollInterval    time.Duration
}

// NewChromeSession creates an unstarted session bound to a profile directory.
func NewChromeSession(config common.BrowserConfig, profileDir string, logger arbor.ILogger) *ChromeSession {
	return &ChromeSession{
		config:          config,
		profile:         profileDir,
		logger:          logger,
		navigateTimeout: common.ParseDuration(config.NavigateTimeout, 30*time.Second),
		generationWait:  common.ParseDuration(config.GenerationWait, 120*time.Second),
		pollInterval:    common.ParseDuration(config.PollInterval, 2*time.Second),
	}
}

// NewFactory returns a Factory producing ChromeSessions with the given
// browser configuration.
func NewFactory(config common.BrowserConfig, logger arbor.ILogger) Factory {
	return func(profileDir string) Session {
		return NewChromeSession(config, profileDir, logger)
	}
}

// Start launches the Chrome process and verifies it responds: navigate to
// about:blank and read the title before declaring the instance usable.
func (s *ChromeSession) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.profile, 0755); err != nil {
		return fmt.Errorf("%w: failed to create profile dir: %v", ErrSessionInit, err)
	}

	width := s.config.WindowWidth
	height := s.config.WindowHeight
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 800
	}

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.config.Headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserDataDir(s.profile),
		chromedp.WindowSize(width, height),
	)

	s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(ctx, allocatorOpts...)
	s.browserCtx, s.browserCancel = chromedp.NewContext(s.allocCtx)

	probeCtx, cancel := context.WithTimeout(s.browserCtx, s.navigateTimeout)
	defer cancel()

	if err := chromedp.Run(probeCtx, chromedp.Navigate("about:blank")); err != nil {
		s.teardown()
		return fmt.Errorf("%w: startup probe failed: %v", ErrSessionInit, err)
	}

	var title string
	if err := chromedp.Run(probeCtx, chromedp.Title(&title)); err != nil {
		s.teardown()
		return fmt.Errorf("%w: responsiveness probe failed: %v", ErrSessionInit, err)
	}

	s.logger.Debug().
		Str("profile", s.profile).
		Bool("headless", s.config.Headless).
		Msg("Browser session started")

	return nil
}

// Authenticate navigates to the chat application. Actual login is a
// human-in-the-loop step - verification challenges cannot be automated -
// so this only brings the page up; the dispatcher's operator gate confirms
// readiness before any work is dispatched.
func (s *ChromeSession) Authenticate(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(s.browserCtx, s.navigateTimeout)
	defer cancel()

	if err := chromedp.Run(navCtx, chromedp.Navigate(s.config.ChatURL)); err != nil {
		return fmt.Errorf("failed to open chat application: %w", err)
	}
	return nil
}

// IsAuthenticated reports whether the session still looks logged in.
// The page redirects to a login URL when the session expires.
func (s *ChromeSession) IsAuthenticated(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(s.browserCtx, s.navigateTimeout)
	defer cancel()

	var location string
	if err := chromedp.Run(checkCtx, chromedp.Location(&location)); err != nil {
		return false
	}
	lower := strings.ToLower(location)
	return !strings.Contains(lower, "login") && !strings.Contains(lower, "auth/")
}

// SubmitPrompt starts a fresh chat, uploads the input image, and sends the
// prompt text. Each step runs an ordered strategy list against a page we
// do not control; the first strategy that works wins.
func (s *ChromeSession) SubmitPrompt(ctx context.Context, imagePath, promptText string) error {
	navCtx, cancel := context.WithTimeout(s.browserCtx, s.navigateTimeout)
	defer cancel()

	if err := chromedp.Run(navCtx,
		chromedp.Navigate(s.config.ChatURL),
		chromedp.Sleep(5*time.Second), // Page builds its composer after load
	); err != nil {
		return fmt.Errorf("failed to open new chat: %w", err)
	}

	absImage, err := filepath.Abs(imagePath)
	if err != nil {
		return fmt.Errorf("failed to resolve input image path: %w", err)
	}

	stepCtx, stepCancel := context.WithTimeout(s.browserCtx, 60*time.Second)
	defer stepCancel()

	// Opening the attachment menu is best effort: on some page revisions
	// the file input is reachable without it.
	if err := runFirst(stepCtx, s.logger, "attachment menu", attachmentMenuStrategies()); err != nil {
		s.logger.Warn().Err(err).Msg("Could not open attachment menu, trying file input directly")
	}

	if err := runFirst(stepCtx, s.logger, "file upload", fileUploadStrategies(absImage)); err != nil {
		return fmt.Errorf("failed to upload input image: %w", err)
	}

	// Give the upload preview time to attach before typing.
	if err := chromedp.Run(stepCtx, chromedp.Sleep(2*time.Second)); err != nil {
		return err
	}

	if err := runFirst(stepCtx, s.logger, "prompt entry", promptEntryStrategies(promptText)); err != nil {
		return fmt.Errorf("failed to enter prompt: %w", err)
	}

	if err := chromedp.Run(stepCtx, chromedp.KeyEvent(kb.Enter)); err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}

	s.logger.Debug().Str("image", absImage).Msg("Prompt submitted")
	return nil
}

// WaitForGeneration polls the page until the generation-complete signal
// appears or the configured ceiling elapses. DOM checks are paced by a
// rate limiter so the polling loop does not hammer the renderer. A timeout
// is not a failure: the caller falls through to a best-effort capture.
func (s *ChromeSession) WaitForGeneration(ctx context.Context) (GenerationStatus, error) {
	waitCtx, cancel := context.WithTimeout(s.browserCtx, s.generationWait)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(s.pollInterval), 1)
	started := time.Now()

	for {
		if err := limiter.Wait(waitCtx); err != nil {
			// Ceiling reached without the completion signal.
			s.logger.Info().
				Str("waited", time.Since(started).Round(time.Second).String()).
				Msg("Generation wait ceiling reached, proceeding to best-effort capture")
			return GenerationTimedOut, nil
		}

		var done bool
		err := chromedp.Run(waitCtx, chromedp.Evaluate(generationCompleteJS, &done))
		if err != nil {
			if waitCtx.Err() != nil {
				return GenerationTimedOut, nil
			}
			s.logger.Debug().Err(err).Msg("Generation status check failed, retrying")
			continue
		}

		if done {
			s.logger.Info().
				Str("elapsed", time.Since(started).Round(time.Second).String()).
				Msg("Image generation complete")
			// Settle delay so the final render lands before capture.
			_ = chromedp.Run(waitCtx, chromedp.Sleep(2*time.Second))
			return GenerationReady, nil
		}
	}
}

// ResetConversation reloads the chat root, dropping the current thread.
// Used as the single recovery action after a mid-item crash.
func (s *ChromeSession) ResetConversation(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(s.browserCtx, s.navigateTimeout)
	defer cancel()

	if err := chromedp.Run(navCtx,
		chromedp.Navigate(s.config.ChatURL),
		chromedp.Sleep(3*time.Second),
	); err != nil {
		return fmt.Errorf("failed to reset conversation: %w", err)
	}
	return nil
}

// Close tears the browser down. The profile directory survives so the
// login state is reusable on the next run.
func (s *ChromeSession) Close() error {
	s.teardown()
	s.logger.Debug().Str("profile", s.profile).Msg("Browser session closed")
	return nil
}

func (s *ChromeSession) teardown() {
	if s.browserCancel != nil {
		s.browserCancel()
		s.browserCancel = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
}
