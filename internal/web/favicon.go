package web

import (
	"context"
	"encoding/base64"
	"net/url"
	"regexp"

	"github.com/boardline/boardline/shared/errors"
)

var iconLinkRe = regexp.MustCompile(`(?i)<link[^>]+rel=["'](?:shortcut )?icon["'][^>]*href=["']([^"']+)["']`)

// iconHopLimit bounds how many icon links the search follows before
// giving up on a candidate.
const iconHopLimit = 3

// DefaultIcon is a 1x1 placeholder PNG, already base64 encoded. Boards
// that serve no icon of their own get this one.
const DefaultIcon = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

// Favicon fetches the board's icon and returns it base64 encoded. It tries
// the page's <link rel="icon"> first, then /favicon.ico, and settles on
// DefaultIcon when neither yields anything.
func Favicon(ctx context.Context, f Fetcher, boardURL string) (string, error) {
	base, err := url.Parse(boardURL)
	if err != nil {
		return "", &errors.TransportError{URL: boardURL, Err: err}
	}

	candidates := []string{base.Scheme + "://" + base.Host + "/favicon.ico"}
	if page, err := f.Get(ctx, boardURL, SkipContentTransform); err == nil {
		if m := iconLinkRe.FindStringSubmatch(page.Body); m != nil {
			if ref, err := base.Parse(m[1]); err == nil {
				candidates = append([]string{ref.String()}, candidates...)
			}
		}
	}

	for _, u := range candidates {
		if icon, ok := chaseIcon(ctx, f, u); ok {
			return icon, nil
		}
	}
	return DefaultIcon, nil
}

// chaseIcon fetches u and, when a page with another icon link comes back
// instead of image bytes, follows the link. The chase stops after
// iconHopLimit hops.
func chaseIcon(ctx context.Context, f Fetcher, u string) (string, bool) {
	for hop := 0; hop < iconHopLimit; hop++ {
		resp, err := f.Get(ctx, u, SkipCache|SkipContentTransform)
		if err != nil || len(resp.Body) == 0 {
			return "", false
		}
		if m := iconLinkRe.FindStringSubmatch(resp.Body); m != nil {
			ref, err := url.Parse(resp.FinalURL)
			if err != nil {
				return "", false
			}
			next, err := ref.Parse(m[1])
			if err != nil {
				return "", false
			}
			u = next.String()
			continue
		}
		return base64.StdEncoding.EncodeToString([]byte(resp.Body)), true
	}
	return "", false
}
