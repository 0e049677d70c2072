package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/amishk599/gigradar/internal/model"
	"github.com/amishk599/gigradar/internal/ratelimit"
)

const (
	listingRowsSelector = `tbody[data-filter="collection"] tr.project-row`
	listingBodySelector = `tbody[data-filter="collection"]`
	metaRowSelector     = ".meta-row, table.table-meta tr"
)

var errNoListings = errors.New("listing has no entries")

// Site locates the job board.
type Site struct {
	BaseURL       string // e.g. https://mostaql.com
	ListingPath   string // e.g. /projects
	CategoryParam string // query parameter naming the category
}

// MostaqlAdapter reads category listings and project pages from Mostaql's
// public HTML. Pacing, retries and cool-downs are applied by decorators.
type MostaqlAdapter struct {
	site   Site
	base   *url.URL
	client *http.Client
	agents *ratelimit.UserAgentPool
}

// NewMostaqlAdapter creates an adapter for the given site.
func NewMostaqlAdapter(site Site, client *http.Client, agents *ratelimit.UserAgentPool) (*MostaqlAdapter, error) {
	base, err := url.Parse(site.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("mostaql base url %q is not absolute", site.BaseURL)
	}
	if agents == nil {
		agents = ratelimit.NewUserAgentPool(nil)
	}
	return &MostaqlAdapter{
		site:   site,
		base:   base,
		client: client,
		agents: agents,
	}, nil
}

// Host returns the host name requests are made against.
func (a *MostaqlAdapter) Host() string { return a.base.Host }

// ListingURL builds the URL of one page of a category listing, newest first.
func (a *MostaqlAdapter) ListingURL(c model.Category, page int) string {
	u := *a.base
	u.Path = a.site.ListingPath
	q := url.Values{}
	if c.SiteRef != "" {
		q.Set(a.site.CategoryParam, c.SiteRef)
	}
	q.Set("sort", "latest")
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Reachable performs a GET against the site root.
func (a *MostaqlAdapter) Reachable(ctx context.Context) error {
	resp, err := a.get(ctx, a.base.String()+"/")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Newest returns the first entry of the category listing.
func (a *MostaqlAdapter) Newest(ctx context.Context, c model.Category) (model.Job, error) {
	jobs, err := a.listing(ctx, c, 1, 1)
	if err != nil {
		return model.Job{}, err
	}
	if len(jobs) == 0 {
		return model.Job{}, &model.ParseError{What: "newest " + c.Name, Err: errNoListings}
	}
	return jobs[0], nil
}

// ListingPage returns all entries on one listing page. An empty page marks
// the end of the listing.
func (a *MostaqlAdapter) ListingPage(ctx context.Context, c model.Category, page int) ([]model.Job, error) {
	return a.listing(ctx, c, page, 0)
}

func (a *MostaqlAdapter) listing(ctx context.Context, c model.Category, page, limit int) ([]model.Job, error) {
	doc, err := a.document(ctx, a.ListingURL(c, page))
	if err != nil {
		return nil, err
	}
	if doc.Find(listingBodySelector).Length() == 0 {
		return nil, &model.ParseError{What: fmt.Sprintf("listing %s page %d", c.Name, page), Err: errors.New("project table not found")}
	}

	var jobs []model.Job
	doc.Find(listingRowsSelector).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		job, ok := a.parseRow(row)
		if !ok {
			return true
		}
		job.CategoryID = c.ID
		jobs = append(jobs, job)
		return limit == 0 || len(jobs) < limit
	})
	return jobs, nil
}

// parseRow extracts one listing entry. Rows without a project link are
// skipped; missing budget or time are left empty.
func (a *MostaqlAdapter) parseRow(row *goquery.Selection) (model.Job, bool) {
	link := row.Find("h2 a").First()
	href, _ := link.Attr("href")
	title := cleanText(link.Text())
	id, ok := projectID(href)
	if !ok || title == "" {
		return model.Job{}, false
	}

	job := model.Job{
		ID:       id,
		Title:    title,
		URL:      a.absolute(href),
		PostedAt: parsePosted(row),
	}
	row.Find("ul.project__meta li").EachWithBreak(func(_ int, li *goquery.Selection) bool {
		text := cleanText(li.Text())
		if strings.Contains(text, "$") {
			job.Budget = text
			return false
		}
		return true
	})
	return job, true
}

func (a *MostaqlAdapter) absolute(href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return a.base.ResolveReference(ref).String()
}

// Detail fetches the project page and reads the client's hiring rate, and
// the budget when the listing did not show one. A page with the details
// block but no rate yields an unknown rate, not an error.
func (a *MostaqlAdapter) Detail(ctx context.Context, job model.Job) (model.Job, error) {
	doc, err := a.document(ctx, job.URL)
	if err != nil {
		return job, err
	}

	rows := doc.Find(metaRowSelector)
	if rows.Length() == 0 {
		return job, &model.ParseError{What: fmt.Sprintf("detail %d", job.ID), Err: errors.New("details block not found")}
	}

	rows.Each(func(_ int, row *goquery.Selection) {
		cells := row.Children()
		if cells.Length() < 2 {
			return
		}
		label := cleanText(cells.First().Text())
		value := cleanText(cells.Last().Text())
		switch {
		case strings.Contains(label, labelHiringRate):
			job.HiringRate = parsePercent(value)
		case strings.Contains(label, labelBudget) && job.Budget == "":
			job.Budget = value
		}
	})
	return job, nil
}
