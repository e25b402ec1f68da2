package controller

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phishsim/models"
	"phishsim/utils"
)

// memoryTrackingStore mirrors the transactional store's semantics over
// plain maps so the handlers can be exercised without a database.
type memoryTrackingStore struct {
	mu        sync.Mutex
	targets   map[string]*models.ProjectTarget
	projects  map[uint]*models.Project
	templates map[uint]*models.Template
	pages     map[string]*models.TrainingPage
}

func newMemoryTrackingStore() *memoryTrackingStore {
	return &memoryTrackingStore{
		targets:   make(map[string]*models.ProjectTarget),
		projects:  make(map[uint]*models.Project),
		templates: make(map[uint]*models.Template),
		pages:     make(map[string]*models.TrainingPage),
	}
}

func (m *memoryTrackingStore) AdvanceFunnel(_ context.Context, token, transition string) (*utils.FunnelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pt, ok := m.targets[token]
	if !ok {
		return nil, utils.ErrTokenNotFound
	}
	project := m.projects[pt.ProjectID]

	delta := utils.ComputeFunnelDelta(pt, transition)
	if delta.IsZero() {
		return &utils.FunnelResult{Target: pt, Project: project}, nil
	}

	now := time.Now().UTC()
	if delta.Open == 1 {
		pt.OpenedAt = &now
	}
	if delta.Click == 1 {
		pt.ClickedAt = &now
	}
	if delta.Submit == 1 {
		pt.SubmittedAt = &now
	}
	pt.Status = utils.NextFunnelStatus(pt.Status, transition)

	if !pt.IsTest() && project.Status != models.ProjectStatusTest {
		project.OpenCount += delta.Open
		project.ClickCount += delta.Click
		project.SubmitCount += delta.Submit
	}

	return &utils.FunnelResult{Applied: true, Delta: delta, Target: pt, Project: project}, nil
}

func (m *memoryTrackingStore) TemplateForProject(_ context.Context, projectID uint) (*models.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.templates[projectID]
	if !ok {
		return nil, utils.ErrTokenNotFound
	}
	return tpl, nil
}

func (m *memoryTrackingStore) TrainingPageByToken(_ context.Context, trainingToken string) (*models.Project, *models.TrainingPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[trainingToken]
	if !ok || !page.IsActive {
		return nil, nil, utils.ErrTokenNotFound
	}
	for _, p := range m.projects {
		if p.TrainingLinkToken == trainingToken {
			return p, page, nil
		}
	}
	return nil, nil, utils.ErrTokenNotFound
}

const (
	testToken         = "trk-abc123"
	testTrainingToken = "train-xyz789"
)

func newTrackingFixture() (*fiber.App, *memoryTrackingStore, *models.Project) {
	store := newMemoryTrackingStore()

	project := &models.Project{
		Name:              "Q3 awareness",
		Status:            models.ProjectStatusRunning,
		TemplateID:        1,
		TrainingLinkToken: testTrainingToken,
		TargetCount:       1,
	}
	project.ID = 1
	store.projects[1] = project

	store.targets[testToken] = &models.ProjectTarget{
		ProjectID:     1,
		TargetID:      10,
		TrackingToken: testToken,
		Status:        models.TargetStatusSent,
	}
	store.templates[1] = &models.Template{
		LandingHTML: `<html><body><form action="{{SUBMIT_URL}}"><input name="pw"></form>` +
			`<a href="{{TRAINING_URL}}">what is this?</a></body></html>`,
	}
	store.pages[testTrainingToken] = &models.TrainingPage{
		ProjectID: 1,
		HTML:      `<html><body><h1>You clicked a simulated phish</h1></body></html>`,
		IsActive:  true,
	}

	tc := &TrackingController{Store: store, BaseURL: "http://phish.test"}
	app := fiber.New()
	app.Get("/p/:token", tc.HandleLanding)
	app.Get("/p/:token/open", tc.HandleOpen)
	app.Post("/p/:token/submit", tc.HandleSubmit)
	app.Get("/t/:trainingToken", tc.HandleTrainingPage)

	return app, store, project
}

func flowCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == flowCookieName {
			return c
		}
	}
	return nil
}

func TestFunnelEndToEnd(t *testing.T) {
	app, store, project := newTrackingFixture()

	// First landing hit counts the open and the click together
	resp, err := app.Test(httptest.NewRequest("GET", "/p/"+testToken, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "http://phish.test/p/"+testToken+"/submit")
	assert.Contains(t, string(body), "http://phish.test/t/"+testTrainingToken)

	assert.Equal(t, 1, project.OpenCount)
	assert.Equal(t, 1, project.ClickCount)
	assert.Equal(t, 0, project.SubmitCount)
	assert.Equal(t, models.TargetStatusClicked, store.targets[testToken].Status)

	// Repeat landing leaves counters alone
	resp, err = app.Test(httptest.NewRequest("GET", "/p/"+testToken, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, project.OpenCount)
	assert.Equal(t, 1, project.ClickCount)

	// Submit redirects to the training page and counts once
	req := httptest.NewRequest("POST", "/p/"+testToken+"/submit", strings.NewReader("user=a&pw=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://phish.test/t/"+testTrainingToken, resp.Header.Get("Location"))
	assert.Equal(t, 1, project.SubmitCount)
	assert.Equal(t, models.TargetStatusSubmitted, store.targets[testToken].Status)

	// Repeat submit still redirects but changes nothing
	firstSubmittedAt := *store.targets[testToken].SubmittedAt
	resp, err = app.Test(httptest.NewRequest("POST", "/p/"+testToken+"/submit", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, 1, project.OpenCount)
	assert.Equal(t, 1, project.ClickCount)
	assert.Equal(t, 1, project.SubmitCount)
	assert.Equal(t, firstSubmittedAt, *store.targets[testToken].SubmittedAt)
}

// A mail client that merely loads images must register an open and
// never a click. The fetched URL is exactly the pixel src embedded in
// the composed campaign mail.
func TestMailPixelFetchCountsOpenNotClick(t *testing.T) {
	app, store, project := newTrackingFixture()

	tpl := &models.Template{
		Subject:            "Payroll update",
		EmailHTML:          `<html><body><p>Hello {{TARGET_NAME}}</p><a href="#">Review</a></body></html>`,
		ReplaceFirstAnchor: true,
	}
	pt := store.targets[testToken]
	pt.Target = models.Target{FullName: "Ada Example", Email: "ada@example.com"}

	html, err := renderCampaignMail(tpl, project, pt, "http://phish.test")
	require.NoError(t, err)

	matches := regexp.MustCompile(`<img src="([^"]+)"`).FindStringSubmatch(html)
	require.Len(t, matches, 2, "composed mail carries the pixel")
	pixelSrc := strings.TrimPrefix(matches[1], "http://phish.test")
	assert.Equal(t, "/p/"+testToken+"/open", pixelSrc)

	resp, err := app.Test(httptest.NewRequest("GET", pixelSrc, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "image/gif")

	assert.Equal(t, 1, project.OpenCount)
	assert.Equal(t, 0, project.ClickCount)
	assert.Equal(t, models.TargetStatusOpened, pt.Status)
	assert.NotNil(t, pt.OpenedAt)
	assert.Nil(t, pt.ClickedAt)

	// Repeat fetch is a no-op
	_, err = app.Test(httptest.NewRequest("GET", pixelSrc, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, project.OpenCount)

	// A later real landing visit still counts its click exactly once
	resp, err = app.Test(httptest.NewRequest("GET", "/p/"+testToken, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, project.OpenCount)
	assert.Equal(t, 1, project.ClickCount)
	assert.Equal(t, models.TargetStatusClicked, pt.Status)
}

// Unknown tokens get the same pixel as known ones so the endpoint
// cannot be used to enumerate tokens.
func TestOpenPixelUnknownToken(t *testing.T) {
	app, store, project := newTrackingFixture()

	resp, err := app.Test(httptest.NewRequest("GET", "/p/unknown-token/open", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "image/gif")

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, transparentPixel(), body)

	assert.Equal(t, 0, project.OpenCount)
	assert.Nil(t, store.targets[testToken].OpenedAt)
}

func TestLandingIssuesFlowCookieOnEveryHit(t *testing.T) {
	app, _, _ := newTrackingFixture()

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/p/"+testToken, nil))
		require.NoError(t, err)

		cookie := flowCookie(resp)
		require.NotNil(t, cookie, "flow cookie missing on hit %d", i+1)
		assert.Equal(t, testToken, cookie.Value)
		assert.True(t, cookie.HttpOnly)
		assert.Equal(t, "/", cookie.Path)
		assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	}
}

func TestUnknownTokenReturnsGeneric404(t *testing.T) {
	app, store, project := newTrackingFixture()

	resp, err := app.Test(httptest.NewRequest("GET", "/p/unknown-token", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "404")
	assert.NotContains(t, string(body), "unknown-token", "body must not echo the token")
	assert.Nil(t, flowCookie(resp), "no cookie for unknown tokens")

	assert.Equal(t, 0, project.OpenCount)
	assert.Equal(t, 0, project.ClickCount)
	assert.Equal(t, 0, project.SubmitCount)
	assert.Nil(t, store.targets[testToken].OpenedAt)

	resp, err = app.Test(httptest.NewRequest("POST", "/p/unknown-token/submit", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, project.SubmitCount)
}

func TestTestRecordsAreExcludedFromCounters(t *testing.T) {
	app, store, project := newTrackingFixture()
	store.targets[testToken].Status = models.TargetStatusTest

	resp, err := app.Test(httptest.NewRequest("GET", "/p/"+testToken, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("POST", "/p/"+testToken+"/submit", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	// Timestamps are still recorded for the individual record
	assert.NotNil(t, store.targets[testToken].OpenedAt)
	assert.NotNil(t, store.targets[testToken].SubmittedAt)
	assert.Equal(t, models.TargetStatusTest, store.targets[testToken].Status)

	// But the campaign aggregates never move
	assert.Equal(t, 0, project.OpenCount)
	assert.Equal(t, 0, project.ClickCount)
	assert.Equal(t, 0, project.SubmitCount)
}

func TestTrainingPage(t *testing.T) {
	app, store, project := newTrackingFixture()

	resp, err := app.Test(httptest.NewRequest("GET", "/t/"+testTrainingToken, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, store.pages[testTrainingToken].HTML, string(body), "served verbatim")

	// Inactive page is indistinguishable from a missing one
	store.pages[testTrainingToken].IsActive = false
	resp, err = app.Test(httptest.NewRequest("GET", "/t/"+testTrainingToken, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	store.pages[testTrainingToken].IsActive = true

	resp, err = app.Test(httptest.NewRequest("GET", "/t/no-such-training", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A flow cookie on the training view credits the submit best effort
	req := httptest.NewRequest("GET", "/t/"+testTrainingToken, nil)
	req.AddCookie(&http.Cookie{Name: flowCookieName, Value: testToken})
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, project.SubmitCount)

	// A bogus cookie is ignored, not an error
	req = httptest.NewRequest("GET", "/t/"+testTrainingToken, nil)
	req.AddCookie(&http.Cookie{Name: flowCookieName, Value: "stale-token"})
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, project.SubmitCount)
}

func TestConcurrentHitsCountOnce(t *testing.T) {
	_, store, project := newTrackingFixture()

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = store.AdvanceFunnel(context.Background(), testToken, utils.TransitionLanding)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, project.OpenCount)
	assert.Equal(t, 1, project.ClickCount)
	assert.NotNil(t, store.targets[testToken].OpenedAt)
}
