package utils

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"phishsim/models"
)

// Placeholders recognized in template markup.
const (
	PlaceholderTrackingURL   = "{{TRACKING_URL}}"
	PlaceholderTrackingPixel = "{{TRACKING_PIXEL}}"
	PlaceholderTrainingURL   = "{{TRAINING_URL}}"
	PlaceholderSubmitURL     = "{{SUBMIT_URL}}"
	PlaceholderTargetName    = "{{TARGET_NAME}}"
	PlaceholderTargetEmail   = "{{TARGET_EMAIL}}"
)

var placeholderPattern = regexp.MustCompile(`\{\{[A-Z0-9_]+\}\}`)

// PlaceholderValues carries the per-target substitution values.
type PlaceholderValues struct {
	TrackingURL string
	TrainingURL string
	SubmitURL   string
	TargetName  string
	TargetEmail string
	PixelHTML   string
}

// SubstitutePlaceholders resolves every known placeholder in html.
func SubstitutePlaceholders(html string, v PlaceholderValues) string {
	r := strings.NewReplacer(
		PlaceholderTrackingURL, v.TrackingURL,
		PlaceholderTrackingPixel, v.PixelHTML,
		PlaceholderTrainingURL, v.TrainingURL,
		PlaceholderSubmitURL, v.SubmitURL,
		PlaceholderTargetName, v.TargetName,
		PlaceholderTargetEmail, v.TargetEmail,
	)
	return r.Replace(html)
}

// UnknownPlaceholders returns, sorted and deduplicated, every
// {{NAME}}-shaped token left in html that is not a known placeholder.
// Sends must be rejected while any remain, otherwise targets would
// receive visibly broken mail.
func UnknownPlaceholders(html string) []string {
	known := map[string]bool{
		PlaceholderTrackingURL:   true,
		PlaceholderTrackingPixel: true,
		PlaceholderTrainingURL:   true,
		PlaceholderSubmitURL:     true,
		PlaceholderTargetName:    true,
		PlaceholderTargetEmail:   true,
	}
	seen := map[string]bool{}
	var unknown []string
	for _, m := range placeholderPattern.FindAllString(html, -1) {
		if !known[m] && !seen[m] {
			seen[m] = true
			unknown = append(unknown, m)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// InjectCTALink rewrites the mail markup so its call to action points at
// trackingURL, following the template's policy: rewrite the first
// anchor's href, replace the first button with an anchor, or append a
// fallback element when the markup carries neither. The input must be
// the pristine stored template so repeated sends stay idempotent.
func InjectCTALink(html string, tpl *models.Template, trackingURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("parse template markup: %w", err)
	}

	injected := false

	if tpl.ReplaceFirstAnchor {
		if a := doc.Find("a").First(); a.Length() > 0 {
			a.SetAttr("href", trackingURL)
			injected = true
		}
	}

	if !injected && tpl.ReplaceFirstButton {
		if btn := doc.Find("button").First(); btn.Length() > 0 {
			label := strings.TrimSpace(btn.Text())
			if label == "" {
				label = fallbackLabel(tpl)
			}
			btn.ReplaceWithHtml(fmt.Sprintf(`<a href="%s">%s</a>`, trackingURL, label))
			injected = true
		}
	}

	if !injected {
		if !tpl.AppendFallback {
			return "", fmt.Errorf("template %q has no call-to-action element and fallback append is disabled", tpl.Name)
		}
		body := doc.Find("body").First()
		el := fmt.Sprintf(`<p><a href="%s">%s</a></p>`, trackingURL, fallbackLabel(tpl))
		if tpl.FallbackKind == models.CTAKindButton {
			el = fmt.Sprintf(`<p><a href="%s" style="display:inline-block;padding:10px 18px;background:#1a73e8;color:#fff;text-decoration:none;border-radius:4px">%s</a></p>`, trackingURL, fallbackLabel(tpl))
		}
		if body.Length() > 0 {
			body.AppendHtml(el)
		} else {
			doc.Find("html").AppendHtml(el)
		}
	}

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serialize template markup: %w", err)
	}
	return out, nil
}

func fallbackLabel(tpl *models.Template) string {
	if strings.TrimSpace(tpl.FallbackLabel) != "" {
		return tpl.FallbackLabel
	}
	return "Open document"
}

// TrackingPixelHTML builds the invisible open-tracking image tag.
// pixelURL must be the open endpoint, never the landing URL: mail
// clients fetch images without the recipient clicking anything, so a
// pixel pointing at the landing page would count phantom clicks.
func TrackingPixelHTML(pixelURL string) string {
	return fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none">`, pixelURL)
}

// AppendTrackingPixel adds the open-tracking pixel just before </body>,
// or at the end of the markup when no body tag is present.
func AppendTrackingPixel(html, pixelURL string) string {
	pixel := TrackingPixelHTML(pixelURL)
	if strings.Contains(html, PlaceholderTrackingPixel) {
		return strings.ReplaceAll(html, PlaceholderTrackingPixel, pixel)
	}
	lower := strings.ToLower(html)
	if idx := strings.LastIndex(lower, "</body>"); idx >= 0 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}
