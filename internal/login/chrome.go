package login

import (
	"context"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"ibsupervisor/internal/domain"
)

const (
	userField     = "#user_name"
	passwordField = "#password"
)

// ChromeBrowser runs the login form in a headless Chrome via the DevTools
// protocol. The gateway's self-signed certificate is accepted.
type ChromeBrowser struct {
	ExecPath string
	Headless bool
	Timeout  time.Duration
	// Markers end the wait for the page verdict as soon as one appears in
	// the body text.
	Markers []string
}

func (b *ChromeBrowser) SubmitForm(ctx context.Context, url string, creds domain.Credentials) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("headless", b.Headless),
	)
	if b.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	runCtx, cancel := context.WithTimeout(browserCtx, timeout)
	defer cancel()

	err := chromedp.Run(runCtx,
		chromedp.Navigate(url),
		chromedp.WaitVisible(userField, chromedp.ByQuery),
		chromedp.SendKeys(userField, creds.Username, chromedp.ByQuery),
		chromedp.SendKeys(passwordField, creds.Password, chromedp.ByQuery),
		chromedp.Submit(passwordField, chromedp.ByQuery),
	)
	if err != nil {
		return "", err
	}

	var text string
	for {
		if err := chromedp.Run(runCtx, chromedp.Text("body", &text, chromedp.ByQuery)); err != nil {
			return text, err
		}
		for _, m := range b.Markers {
			if m != "" && strings.Contains(text, m) {
				return text, nil
			}
		}

		select {
		case <-runCtx.Done():
			return text, nil
		case <-time.After(500 * time.Millisecond):
		}
	}
}
