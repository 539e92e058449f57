package browser

import (
	"net/url"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// resourceTypeNames maps the config-level names to protocol resource types.
var resourceTypeNames = map[string]proto.NetworkResourceType{
	"Image":      proto.NetworkResourceTypeImage,
	"Stylesheet": proto.NetworkResourceTypeStylesheet,
	"Font":       proto.NetworkResourceTypeFont,
	"Media":      proto.NetworkResourceTypeMedia,
	"Script":     proto.NetworkResourceTypeScript,
}

// adHosts is the blocklist applied when a session asks for ad blocking.
var adHosts = map[string]struct{}{
	"doubleclick.net":        {},
	"googlesyndication.com":  {},
	"googleadservices.com":   {},
	"google-analytics.com":   {},
	"googletagmanager.com":   {},
	"googletagservices.com":  {},
	"connect.facebook.net":   {},
	"fbcdn.net":              {},
	"adnxs.com":              {},
	"adsrvr.org":             {},
	"amazon-adsystem.com":    {},
	"criteo.com":             {},
	"criteo.net":             {},
	"outbrain.com":           {},
	"taboola.com":            {},
	"moatads.com":            {},
	"pubmatic.com":           {},
	"rubiconproject.com":     {},
	"scorecardresearch.com":  {},
	"quantserve.com":         {},
	"hotjar.com":             {},
	"mixpanel.com":           {},
	"segment.io":             {},
	"chartbeat.com":          {},
	"optimizely.com":         {},
	"openx.net":              {},
	"casalemedia.com":        {},
	"demdex.net":             {},
	"sharethis.com":          {},
	"addthis.com":            {},
}

// isAdHost reports whether the hostname or any parent domain is blocklisted,
// so "pagead2.googlesyndication.com" matches "googlesyndication.com".
func isAdHost(host string) bool {
	host = strings.ToLower(host)
	if _, ok := adHosts[host]; ok {
		return true
	}
	for {
		idx := strings.IndexByte(host, '.')
		if idx < 0 {
			return false
		}
		host = host[idx+1:]
		if _, ok := adHosts[host]; ok {
			return true
		}
	}
}

// mountHijack installs a request interceptor that aborts the configured
// resource types and, optionally, requests to known ad and tracking hosts.
// Returns the running router so the session can Stop it on close, or nil
// when there is nothing to block.
func mountHijack(page *rod.Page, blockedTypes []string, blockAds bool) *rod.HijackRouter {
	blocked := make(map[proto.NetworkResourceType]struct{}, len(blockedTypes))
	for _, name := range blockedTypes {
		if rt, ok := resourceTypeNames[name]; ok {
			blocked[rt] = struct{}{}
		}
	}
	if len(blocked) == 0 && !blockAds {
		return nil
	}

	router := page.HijackRequests()

	// Pattern "*" with an empty resource type intercepts every request;
	// the handler decides per request.
	_ = router.Add("*", "", func(hctx *rod.Hijack) {
		if _, drop := blocked[hctx.Request.Type()]; drop {
			hctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		if blockAds {
			if u, err := url.Parse(hctx.Request.URL().String()); err == nil && isAdHost(u.Hostname()) {
				hctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
				return
			}
		}
		hctx.ContinueRequest(&proto.FetchContinueRequest{})
	})

	// Run blocks until Stop, so it gets its own goroutine.
	go router.Run()

	return router
}
