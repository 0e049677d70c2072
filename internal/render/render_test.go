package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amishk599/gigradar/internal/model"
)

func sampleJobs() []model.Job {
	posted := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	return []model.Job{
		{ID: 101, CategoryID: 3, Title: "Build a <Shopify> store", Budget: "$100 - $250",
			URL: "https://mostaql.com/project/101", PostedAt: &posted, HiringRate: model.RateOf(80)},
		{ID: 103, CategoryID: 3, Title: "Fix a WordPress plugin", URL: "https://mostaql.com/project/103"},
	}
}

func TestJobs_Email(t *testing.T) {
	r := New([]model.Category{{ID: 3, Name: "development"}})

	msg, err := r.Jobs(model.ChannelEmail, sampleJobs())
	require.NoError(t, err)

	assert.Equal(t, "2 new jobs matching your subscription", msg.Subject)
	assert.Contains(t, msg.HTML, "Build a &lt;Shopify&gt; store")
	assert.Contains(t, msg.HTML, `href="https://mostaql.com/project/101"`)
	assert.Contains(t, msg.HTML, "hiring rate 80%")
	assert.Contains(t, msg.HTML, "hiring rate not yet calculated")
	assert.Contains(t, msg.HTML, "2026-03-02 09:30 UTC")
	assert.Contains(t, msg.Text, "development | hiring rate 80% | $100 - $250")
}

func TestJobs_TelegramEscapesHTML(t *testing.T) {
	r := New([]model.Category{{ID: 3, Name: "development"}})

	msg, err := r.Jobs(model.ChannelTelegram, sampleJobs()[:1])
	require.NoError(t, err)

	assert.Equal(t, "New job: Build a <Shopify> store", msg.Subject)
	assert.Contains(t, msg.HTML, "<b>🆕 New job</b>")
	assert.Contains(t, msg.HTML, `<a href="https://mostaql.com/project/101">Build a &lt;Shopify&gt; store</a>`)
	assert.Contains(t, msg.Text, "Build a <Shopify> store")
	assert.NotContains(t, msg.Text, "<b>")
}

func TestJobs_UnknownCategoryAndChannel(t *testing.T) {
	r := New(nil)

	msg, err := r.Jobs(model.ChannelTelegram, sampleJobs()[1:])
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "category 3")

	_, err = r.Jobs(model.Channel("sms"), sampleJobs())
	assert.Error(t, err)
}

func TestCacheSharesIdenticalBodies(t *testing.T) {
	r := New(nil)
	jobs := sampleJobs()

	first, err := r.Jobs(model.ChannelEmail, jobs)
	require.NoError(t, err)
	second, err := r.Jobs(model.ChannelEmail, jobs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.Hits())

	// Different channel or job set is a different body.
	_, err = r.Jobs(model.ChannelTelegram, jobs)
	require.NoError(t, err)
	_, err = r.Jobs(model.ChannelEmail, jobs[:1])
	require.NoError(t, err)
	assert.Equal(t, 1, r.Hits())

	r.Reset()
	_, err = r.Jobs(model.ChannelEmail, jobs)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Hits())
}

func TestBroadcast(t *testing.T) {
	r := New(nil)
	b := model.Broadcast{ID: "abc", Message: "Maintenance tonight & tomorrow"}

	email, err := r.Broadcast(model.ChannelEmail, b)
	require.NoError(t, err)
	assert.Equal(t, "Announcement from gigradar", email.Subject)
	assert.Contains(t, email.HTML, "Maintenance tonight &amp; tomorrow")

	tg, err := r.Broadcast(model.ChannelTelegram, b)
	require.NoError(t, err)
	assert.Contains(t, tg.HTML, "Maintenance tonight &amp; tomorrow")
	assert.Contains(t, tg.Text, "Maintenance tonight & tomorrow")
}

func TestWithUnsubscribe(t *testing.T) {
	link := UnsubscribeURL("https://gigradar.example/", "tok123")
	assert.Equal(t, "https://gigradar.example/api/unsubscribe/tok123", link)
	assert.Empty(t, UnsubscribeURL("", "tok"))
	assert.Empty(t, UnsubscribeURL("https://x", ""))

	base := model.Message{Subject: "s", HTML: "<p>hi</p>", Text: "hi"}
	out := WithUnsubscribe(base, link)
	assert.Contains(t, out.HTML, `href="https://gigradar.example/api/unsubscribe/tok123"`)
	assert.Contains(t, out.Text, "Unsubscribe: "+link)
	assert.Equal(t, "<p>hi</p>", base.HTML)

	assert.Equal(t, base, WithUnsubscribe(base, ""))
}
