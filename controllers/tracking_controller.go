package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"phishsim/config"
	"phishsim/utils"
)

const (
	flowCookieName = "ps_flow_token"
	flowCookieTTL  = 10 * time.Minute
)

const notFoundHTML = `<!DOCTYPE html>
<html>
<head><title>Not Found</title></head>
<body><h1>404</h1><p>The page you are looking for does not exist.</p></body>
</html>`

// TrackingController serves the public funnel endpoints. It talks to
// persistence only through the TrackingStore interface.
type TrackingController struct {
	Store   utils.TrackingStore
	BaseURL string
}

func NewTrackingController(store utils.TrackingStore) *TrackingController {
	return &TrackingController{Store: store, BaseURL: config.AppConfig.BaseURL}
}

// setFlowCookie issues the short-lived flow cookie. Issued on every
// landing and submit hit, repeat or not, so the training page can
// correlate the visit.
func (tc *TrackingController) setFlowCookie(c *fiber.Ctx, token string) {
	c.Cookie(&fiber.Cookie{
		Name:     flowCookieName,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(flowCookieTTL),
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

// notFound renders the generic 404 page. Unknown and known-but-broken
// tokens get the same body so the response gives away nothing.
func (tc *TrackingController) notFound(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Status(fiber.StatusNotFound).SendString(notFoundHTML)
}

// HandleOpen records the open for a tracking token and serves the
// invisible pixel. Image loads happen without any recipient action, so
// this moves only the open timestamp and counter; the click stays
// reserved for a real landing visit. The pixel is returned for unknown
// tokens too, so the response gives away nothing.
func (tc *TrackingController) HandleOpen(c *fiber.Ctx) error {
	token := c.Params("token")

	if _, err := tc.Store.AdvanceFunnel(c.UserContext(), token, utils.TransitionOpen); err != nil &&
		!errors.Is(err, utils.ErrTokenNotFound) {
		LogError("tracking_open", err, map[string]interface{}{"token": token})
	}

	return c.Type("gif").Send(transparentPixel())
}

// transparentPixel returns a 1x1 transparent GIF.
func transparentPixel() []byte {
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}

// HandleLanding records the open and click for a tracking token and
// renders the simulated phishing page.
func (tc *TrackingController) HandleLanding(c *fiber.Ctx) error {
	token := c.Params("token")

	result, err := tc.Store.AdvanceFunnel(c.UserContext(), token, utils.TransitionLanding)
	if err != nil {
		if errors.Is(err, utils.ErrTokenNotFound) {
			return tc.notFound(c)
		}
		LogError("tracking_landing", err, map[string]interface{}{"token": token})
		return tc.notFound(c)
	}

	tc.setFlowCookie(c, token)

	tpl, err := tc.Store.TemplateForProject(c.UserContext(), result.Target.ProjectID)
	if err != nil {
		if !errors.Is(err, utils.ErrTokenNotFound) {
			LogError("tracking_landing_template", err, map[string]interface{}{"token": token})
		}
		return tc.notFound(c)
	}

	html := utils.SubstitutePlaceholders(tpl.LandingHTML, utils.PlaceholderValues{
		SubmitURL:   fmt.Sprintf("%s/p/%s/submit", tc.BaseURL, token),
		TrainingURL: fmt.Sprintf("%s/t/%s", tc.BaseURL, result.Project.TrainingLinkToken),
		TrackingURL: fmt.Sprintf("%s/p/%s", tc.BaseURL, token),
	})

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(html)
}

// HandleSubmit records a form submission for a tracking token. The form
// body is accepted and discarded; no captured input is ever persisted.
// Redirects to the campaign's training page whether or not this was the
// first submission.
func (tc *TrackingController) HandleSubmit(c *fiber.Ctx) error {
	token := c.Params("token")

	result, err := tc.Store.AdvanceFunnel(c.UserContext(), token, utils.TransitionSubmit)
	if err != nil {
		if errors.Is(err, utils.ErrTokenNotFound) {
			return tc.notFound(c)
		}
		LogError("tracking_submit", err, map[string]interface{}{"token": token})
		return tc.notFound(c)
	}

	tc.setFlowCookie(c, token)

	if result.Applied {
		LogEvent("funnel_submit", map[string]interface{}{
			"project_id": result.Project.ID,
		})
	}

	return c.Redirect(
		fmt.Sprintf("%s/t/%s", tc.BaseURL, result.Project.TrainingLinkToken),
		fiber.StatusFound,
	)
}

// HandleTrainingPage serves a campaign's training HTML verbatim. When
// the visitor carries a flow cookie the submit credit is applied best
// effort through the same idempotent transition the submit endpoint
// uses; a stale or bogus cookie is ignored.
func (tc *TrackingController) HandleTrainingPage(c *fiber.Ctx) error {
	trainingToken := c.Params("trainingToken")

	_, page, err := tc.Store.TrainingPageByToken(c.UserContext(), trainingToken)
	if err != nil {
		if !errors.Is(err, utils.ErrTokenNotFound) {
			LogError("training_page", err, map[string]interface{}{"token": trainingToken})
		}
		return tc.notFound(c)
	}

	if flowToken := c.Cookies(flowCookieName); flowToken != "" {
		if _, err := tc.Store.AdvanceFunnel(c.UserContext(), flowToken, utils.TransitionSubmit); err != nil &&
			!errors.Is(err, utils.ErrTokenNotFound) {
			LogError("training_page_flow_credit", err, map[string]interface{}{"token": trainingToken})
		}
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(page.HTML)
}
