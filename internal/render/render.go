// Package render turns matched jobs and broadcasts into channel messages.
package render

import (
	"bytes"
	"fmt"
	"html"
	"html/template"
	"strings"
	"sync"
	"time"

	"github.com/amishk599/gigradar/internal/model"
)

// Renderer builds message bodies. Bodies for an identical (channel, items)
// pair are rendered once and shared between subscribers.
type Renderer struct {
	categories map[int64]string

	mu    sync.Mutex
	cache map[string]model.Message
	hits  int
}

// New returns a renderer that labels jobs with the given category names.
func New(categories []model.Category) *Renderer {
	names := make(map[int64]string, len(categories))
	for _, c := range categories {
		names[c.ID] = c.Name
	}
	return &Renderer{categories: names, cache: make(map[string]model.Message)}
}

// Jobs renders a digest of jobs for ch.
func (r *Renderer) Jobs(ch model.Channel, jobs []model.Job) (model.Message, error) {
	refs := make([]string, len(jobs))
	for i, j := range jobs {
		refs[i] = j.Ref()
	}
	return r.cached(ch, refs, func() (model.Message, error) {
		switch ch {
		case model.ChannelEmail:
			return r.jobsEmail(jobs)
		case model.ChannelTelegram:
			return r.jobsTelegram(jobs), nil
		}
		return model.Message{}, fmt.Errorf("render: unknown channel %q", ch)
	})
}

// Broadcast renders an admin announcement for ch.
func (r *Renderer) Broadcast(ch model.Channel, b model.Broadcast) (model.Message, error) {
	return r.cached(ch, []string{b.Ref()}, func() (model.Message, error) {
		switch ch {
		case model.ChannelEmail:
			var buf bytes.Buffer
			if err := broadcastTmpl.Execute(&buf, b); err != nil {
				return model.Message{}, fmt.Errorf("render broadcast: %w", err)
			}
			return model.Message{Subject: "Announcement from gigradar", HTML: buf.String(), Text: b.Message}, nil
		case model.ChannelTelegram:
			return model.Message{
				HTML: "<b>📢 Announcement</b>\n\n" + html.EscapeString(b.Message),
				Text: "📢 Announcement\n\n" + b.Message,
			}, nil
		}
		return model.Message{}, fmt.Errorf("render: unknown channel %q", ch)
	})
}

// Reset drops cached bodies. Call once per matching cycle.
func (r *Renderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]model.Message)
}

// Hits reports how many renders were served from the cache.
func (r *Renderer) Hits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits
}

func (r *Renderer) cached(ch model.Channel, refs []string, build func() (model.Message, error)) (model.Message, error) {
	key := string(ch) + "|" + strings.Join(refs, ",")

	r.mu.Lock()
	if msg, ok := r.cache[key]; ok {
		r.hits++
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	msg, err := build()
	if err != nil {
		return model.Message{}, err
	}

	r.mu.Lock()
	r.cache[key] = msg
	r.mu.Unlock()
	return msg, nil
}

func (r *Renderer) category(id int64) string {
	if name, ok := r.categories[id]; ok {
		return name
	}
	return fmt.Sprintf("category %d", id)
}

func subject(jobs []model.Job) string {
	if len(jobs) == 1 {
		return "New job: " + jobs[0].Title
	}
	return fmt.Sprintf("%d new jobs matching your subscription", len(jobs))
}

func posted(t *time.Time) string {
	if t == nil {
		return "just now"
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}

func rateLabel(r model.Rate) string {
	if !r.Known() {
		return "not yet calculated"
	}
	return r.String()
}

type emailJob struct {
	Title    string
	URL      string
	Category string
	Budget   string
	Posted   string
	Rate     string
}

func (r *Renderer) jobsEmail(jobs []model.Job) (model.Message, error) {
	items := make([]emailJob, len(jobs))
	var text strings.Builder
	for i, j := range jobs {
		items[i] = emailJob{
			Title:    j.Title,
			URL:      j.URL,
			Category: r.category(j.CategoryID),
			Budget:   j.Budget,
			Posted:   posted(j.PostedAt),
			Rate:     rateLabel(j.HiringRate),
		}
		fmt.Fprintf(&text, "%s\n  %s | hiring rate %s", j.Title, items[i].Category, items[i].Rate)
		if j.Budget != "" {
			fmt.Fprintf(&text, " | %s", j.Budget)
		}
		fmt.Fprintf(&text, "\n  %s\n\n", j.URL)
	}

	var buf bytes.Buffer
	if err := jobsTmpl.Execute(&buf, items); err != nil {
		return model.Message{}, fmt.Errorf("render jobs email: %w", err)
	}
	return model.Message{Subject: subject(jobs), HTML: buf.String(), Text: text.String()}, nil
}

// jobsTelegram uses the subset of HTML the Bot API accepts.
func (r *Renderer) jobsTelegram(jobs []model.Job) model.Message {
	var h, t strings.Builder
	if len(jobs) == 1 {
		h.WriteString("<b>🆕 New job</b>\n\n")
		t.WriteString("🆕 New job\n\n")
	} else {
		fmt.Fprintf(&h, "<b>🆕 %d new jobs</b>\n\n", len(jobs))
		fmt.Fprintf(&t, "🆕 %d new jobs\n\n", len(jobs))
	}
	for i, j := range jobs {
		if i > 0 {
			h.WriteString("\n")
			t.WriteString("\n")
		}
		cat := r.category(j.CategoryID)
		rate := rateLabel(j.HiringRate)
		fmt.Fprintf(&h, "<a href=\"%s\">%s</a>\n", html.EscapeString(j.URL), html.EscapeString(j.Title))
		fmt.Fprintf(&h, "📂 %s · 📈 %s", html.EscapeString(cat), html.EscapeString(rate))
		fmt.Fprintf(&t, "%s\n%s\n📂 %s · 📈 %s", j.Title, j.URL, cat, rate)
		if j.Budget != "" {
			fmt.Fprintf(&h, " · 💰 %s", html.EscapeString(j.Budget))
			fmt.Fprintf(&t, " · 💰 %s", j.Budget)
		}
		h.WriteString("\n")
		t.WriteString("\n")
	}
	return model.Message{Subject: subject(jobs), HTML: h.String(), Text: t.String()}
}

// UnsubscribeURL builds the per-recipient unsubscribe link. It returns ""
// when either part is missing.
func UnsubscribeURL(baseURL, token string) string {
	if baseURL == "" || token == "" {
		return ""
	}
	return strings.TrimRight(baseURL, "/") + "/api/unsubscribe/" + token
}

// WithUnsubscribe appends an unsubscribe footer to an email body. The shared
// body is not modified.
func WithUnsubscribe(msg model.Message, link string) model.Message {
	if link == "" {
		return msg
	}
	msg.HTML += `<p style="color:#888;font-size:12px">You receive this because you subscribed to gigradar. ` +
		`<a href="` + html.EscapeString(link) + `">Unsubscribe</a></p>`
	msg.Text += "\n--\nUnsubscribe: " + link + "\n"
	return msg
}

var jobsTmpl = template.Must(template.New("jobs").Parse(`<!doctype html>
<html><body style="font-family:sans-serif">
{{range .}}<div style="margin-bottom:16px">
<h3 style="margin:0"><a href="{{.URL}}">{{.Title}}</a></h3>
<p style="margin:4px 0;color:#555">{{.Category}} · posted {{.Posted}} · hiring rate {{.Rate}}{{if .Budget}} · {{.Budget}}{{end}}</p>
</div>
{{end}}</body></html>
`))

var broadcastTmpl = template.Must(template.New("broadcast").Parse(`<!doctype html>
<html><body style="font-family:sans-serif">
<h3>Announcement</h3>
<p style="white-space:pre-wrap">{{.Message}}</p>
</body></html>
`))
