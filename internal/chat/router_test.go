package chat

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meulify/mai/internal/agent"
)

const testBotID = "999"

// fakeAnswerer records queries and returns a fixed result. When search is
// set it runs the search tool first and echoes its output.
type fakeAnswerer struct {
	mu      sync.Mutex
	queries []agent.Query
	result  agent.Result
	status  string
	search  *[2]string
}

func (f *fakeAnswerer) Process(ctx context.Context, q agent.Query, tools agent.Tools) agent.Result {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.status != "" && tools.Status != nil {
		tools.Status(ctx, f.status)
		tools.Status(ctx, f.status+" (2)")
	}
	if f.search != nil {
		out, err := tools.Search(ctx, f.search[0], f.search[1])
		if err != nil {
			return agent.Result{Text: "search failed", Degraded: true}
		}
		return agent.Result{Text: out}
	}
	return f.result
}

func (f *fakeAnswerer) calls() []agent.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Query(nil), f.queries...)
}

func setupRouter(t *testing.T, ans Answerer) (*Router, *MockAdapter, *Stats) {
	t.Helper()
	mock := NewMockAdapter()
	mock.Connect(context.Background())
	mock.SetBotUserID(testBotID)
	mock.SetChannels([]ChannelInfo{{ID: "C1", Name: "general"}, {ID: "C2", Name: "Members-18"}}, nil)
	mock.SetGuild(GuildInfo{Name: "Meulify", OwnerName: "LaCabra", MemberCount: 18, TextChannels: 2, VoiceChannels: 1}, nil)

	stats := NewStats()
	searcher, err := NewSearcher(SearcherOpts{Adapter: mock})
	if err != nil {
		t.Fatalf("NewSearcher: %v", err)
	}
	cmdHandler, err := NewCommandHandler(CommandHandlerOpts{Topics: fakeTopics{}, Stats: stats})
	if err != nil {
		t.Fatalf("NewCommandHandler: %v", err)
	}
	var out bytes.Buffer
	r, err := NewRouter(RouterOpts{
		Answerer:       ans,
		CmdHandler:     cmdHandler,
		Searcher:       searcher,
		Adapter:        mock,
		Stats:          stats,
		BotUserID:      testBotID,
		IgnoreChannels: []string{"Ticket"},
		Out:            &out,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r, mock, stats
}

func mention(text string) InboundMessage {
	return InboundMessage{
		Platform:    "test",
		MessageID:   "M100",
		GuildID:     "G1",
		ChannelID:   "C1",
		ChannelName: "general",
		UserID:      "U1",
		UserName:    "ana",
		Text:        text,
		Mentions:    []string{testBotID},
	}
}

func TestNewRouter_Validation(t *testing.T) {
	mock := NewMockAdapter()
	searcher, _ := NewSearcher(SearcherOpts{Adapter: mock})
	cmd, _ := NewCommandHandler(CommandHandlerOpts{Topics: fakeTopics{}, Stats: NewStats()})
	tests := []struct {
		opts RouterOpts
		want string
	}{
		{RouterOpts{CmdHandler: cmd, Searcher: searcher, Adapter: mock}, "answerer is required"},
		{RouterOpts{Answerer: &fakeAnswerer{}, Searcher: searcher, Adapter: mock}, "command handler is required"},
		{RouterOpts{Answerer: &fakeAnswerer{}, CmdHandler: cmd, Adapter: mock}, "searcher is required"},
		{RouterOpts{Answerer: &fakeAnswerer{}, CmdHandler: cmd, Searcher: searcher}, "adapter is required"},
	}
	for _, tt := range tests {
		if _, err := NewRouter(tt.opts); err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("err = %v, want %q", err, tt.want)
		}
	}
}

func TestHandle_IgnoredMessages(t *testing.T) {
	ans := &fakeAnswerer{result: agent.Result{Text: "hola"}}
	r, mock, _ := setupRouter(t, ans)

	self := mention("<@999> hola")
	self.UserID = testBotID

	bot := mention("<@999> hola")
	bot.IsBot = true

	dm := mention("<@999> hola")
	dm.GuildID = ""

	ticket := mention("<@999> ayuda con mi pago")
	ticket.ChannelName = "ticket-0042"

	everyone := mention("@everyone hola")
	everyone.MentionsEveryone = true

	noMention := mention("hola a todos")
	noMention.Mentions = nil

	ticketCmd := mention("!mai_help")
	ticketCmd.ChannelName = "TICKET-7"

	for name, msg := range map[string]InboundMessage{
		"self":       self,
		"bot":        bot,
		"dm":         dm,
		"ticket":     ticket,
		"everyone":   everyone,
		"no mention": noMention,
		"ticket cmd": ticketCmd,
	} {
		r.Handle(context.Background(), msg)
		if n := len(ans.calls()); n != 0 {
			t.Errorf("%s: answerer called %d times", name, n)
		}
		if n := len(mock.Replies()); n != 0 {
			t.Errorf("%s: %d replies sent", name, n)
		}
	}
}

func TestHandle_Command(t *testing.T) {
	ans := &fakeAnswerer{}
	r, mock, _ := setupRouter(t, ans)

	msg := mention("!mai_topics")
	msg.Mentions = nil
	r.Handle(context.Background(), msg)

	replies := mock.Replies()
	if len(replies) != 1 || !strings.Contains(replies[0].Text, "Temas disponibles") {
		t.Fatalf("replies = %+v", replies)
	}
	if replies[0].ReplyTo != "M100" {
		t.Errorf("reply references %q, want M100", replies[0].ReplyTo)
	}
	if len(ans.calls()) != 0 {
		t.Error("commands must not reach the model")
	}
}

func TestHandle_EmptyMentionGreets(t *testing.T) {
	ans := &fakeAnswerer{}
	r, mock, _ := setupRouter(t, ans)

	r.Handle(context.Background(), mention("  <@!999>  "))
	replies := mock.Replies()
	if len(replies) != 1 || replies[0].Text != greeting {
		t.Errorf("replies = %+v", replies)
	}
	if len(ans.calls()) != 0 {
		t.Error("empty question must not reach the model")
	}
}

func TestHandle_BotIDLearnedFromAdapter(t *testing.T) {
	mock := NewMockAdapter()
	mock.Connect(context.Background())
	stats := NewStats()
	searcher, _ := NewSearcher(SearcherOpts{Adapter: mock})
	cmdHandler, _ := NewCommandHandler(CommandHandlerOpts{Topics: fakeTopics{}, Stats: stats})
	ans := &fakeAnswerer{result: agent.Result{Text: "hola"}}
	r, err := NewRouter(RouterOpts{
		Answerer:   ans,
		CmdHandler: cmdHandler,
		Searcher:   searcher,
		Adapter:    mock,
		Stats:      stats,
		Out:        &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	mock.SetBotUserID(testBotID)
	r.Handle(context.Background(), mention("<@999> qué tal"))

	calls := ans.calls()
	if len(calls) != 1 || calls[0].Text != "qué tal" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestHandle_AnswerBuildsQuery(t *testing.T) {
	ans := &fakeAnswerer{result: agent.Result{Text: "Somos 18 🐐"}}
	r, mock, stats := setupRouter(t, ans)

	// Newest first; the triggering message is included by the platform.
	mock.SetHistory("C1", []HistoryMessage{
		{ID: "M100", AuthorName: "ana", Content: "<@999> cuántos somos?", Timestamp: baseTime.Add(3 * time.Minute)},
		{ID: "M99", AuthorName: "pepe", Content: "buenas", Timestamp: baseTime.Add(2 * time.Minute)},
		{ID: "M98", AuthorName: "luis", Content: "hola", Timestamp: baseTime.Add(time.Minute)},
	})

	r.Handle(context.Background(), mention("<@999> cuántos somos?"))

	calls := ans.calls()
	if len(calls) != 1 {
		t.Fatalf("answerer called %d times", len(calls))
	}
	q := calls[0]
	if q.Text != "cuántos somos?" || q.Requester != "ana" || q.Channel != "general" {
		t.Errorf("query = %+v", q)
	}
	if len(q.History) != 2 || q.History[0].Author != "luis" || q.History[1].Author != "pepe" {
		t.Errorf("history = %+v, want luis then pepe without the trigger", q.History)
	}
	if strings.Join(q.Channels, ",") != "general,Members-18" {
		t.Errorf("channels = %v", q.Channels)
	}
	wantStats := []agent.Stat{
		{Key: "Server Name", Value: "Meulify"},
		{Key: "Member Count", Value: "18"},
		{Key: "Text Channels", Value: "2"},
		{Key: "Voice Channels", Value: "1"},
		{Key: "Server Owner", Value: "LaCabra"},
	}
	if len(q.Stats) != len(wantStats) {
		t.Fatalf("stats = %+v", q.Stats)
	}
	for i, s := range wantStats {
		if q.Stats[i] != s {
			t.Errorf("stat %d = %+v, want %+v", i, q.Stats[i], s)
		}
	}

	replies := mock.Replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %+v", replies)
	}
	if replies[0].Text != WithDisclaimer("Somos 18 🐐") || replies[0].ReplyTo != "M100" {
		t.Errorf("reply = %+v", replies[0])
	}
	if mock.TypingCount() != 1 {
		t.Errorf("typing = %d, want 1", mock.TypingCount())
	}
	if snap := stats.Snapshot(); snap.Handled != 1 || snap.Failed != 0 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestHandle_ReactionAndStatus(t *testing.T) {
	ans := &fakeAnswerer{result: agent.Result{Text: "Mola!", Reaction: "🔥"}, status: "🔍 buscando"}
	r, mock, _ := setupRouter(t, ans)

	r.Handle(context.Background(), mention("<@999> mira esto"))

	reactions := mock.Reactions()
	if len(reactions) != 1 || reactions[0].Emoji != "🔥" || reactions[0].MessageID != "M100" {
		t.Errorf("reactions = %+v", reactions)
	}
	statuses := mock.Statuses()
	if len(statuses) != 2 || statuses[0].StatusID != statuses[1].StatusID {
		t.Errorf("statuses = %+v, want one post then one edit", statuses)
	}
	if del := mock.Deleted(); len(del) != 1 || del[0] != statuses[0].StatusID {
		t.Errorf("deleted = %v, want status message removed", del)
	}
}

func TestHandle_BestEffortFailuresAreSwallowed(t *testing.T) {
	ans := &fakeAnswerer{result: agent.Result{Text: "ok", Reaction: "💀"}, status: "..."}
	r, mock, _ := setupRouter(t, ans)
	mock.SetReactError(errors.New("unknown emoji"))
	mock.SetStatusError(errors.New("forbidden"))
	mock.SetHistoryError("C1", errors.New("no history"))
	mock.SetGuild(GuildInfo{}, errors.New("guild unavailable"))
	mock.SetChannels(nil, errors.New("no channels"))

	r.Handle(context.Background(), mention("<@999> hola?"))

	replies := mock.Replies()
	if len(replies) != 1 || replies[0].Text != WithDisclaimer("ok") {
		t.Errorf("replies = %+v", replies)
	}
	if len(mock.Deleted()) != 0 {
		t.Error("nothing to delete when status never posted")
	}
	q := ans.calls()[0]
	if q.History != nil || q.Stats != nil || len(q.Channels) != 0 {
		t.Errorf("query should carry no context on failures: %+v", q)
	}
}

func TestHandle_ReactionOnlySendsNoReply(t *testing.T) {
	ans := &fakeAnswerer{result: agent.Result{Reaction: "😭"}}
	r, mock, _ := setupRouter(t, ans)

	r.Handle(context.Background(), mention("<@999> jajaja"))
	if len(mock.Replies()) != 0 {
		t.Errorf("replies = %+v", mock.Replies())
	}
	if len(mock.Reactions()) != 1 {
		t.Error("reaction not added")
	}
}

func TestHandle_LongAnswerIsChunked(t *testing.T) {
	long := strings.Repeat("texto largo ", 400)
	ans := &fakeAnswerer{result: agent.Result{Text: strings.TrimSpace(long)}}
	r, mock, _ := setupRouter(t, ans)

	r.Handle(context.Background(), mention("<@999> cuéntame todo"))

	replies := mock.Replies()
	if len(replies) < 2 {
		t.Fatalf("got %d replies, want chunks", len(replies))
	}
	if replies[0].ReplyTo != "M100" {
		t.Error("first chunk must reference the question")
	}
	for i, rep := range replies {
		if len([]rune(rep.Text)) > MaxMessageLength {
			t.Errorf("chunk %d has %d chars", i, len([]rune(rep.Text)))
		}
		if i > 0 && rep.ReplyTo != "" {
			t.Errorf("chunk %d should not reference the question", i)
		}
	}
	if !strings.HasSuffix(replies[len(replies)-1].Text, Disclaimer) {
		t.Error("disclaimer missing from last chunk")
	}
}

func TestHandle_FailedResultCounted(t *testing.T) {
	ans := &fakeAnswerer{result: agent.Result{Text: agent.DefaultApology, Failed: true}}
	r, mock, stats := setupRouter(t, ans)

	r.Handle(context.Background(), mention("<@999> hola"))
	if snap := stats.Snapshot(); snap.Failed != 1 || snap.Handled != 1 {
		t.Errorf("stats = %+v", snap)
	}
	if replies := mock.Replies(); len(replies) != 1 || !strings.HasPrefix(replies[0].Text, agent.DefaultApology) {
		t.Errorf("replies = %+v", replies)
	}
}

func TestHandle_SearchToolIsWired(t *testing.T) {
	ans := &fakeAnswerer{search: &[2]string{"torneo", "Members-18"}}
	r, mock, _ := setupRouter(t, ans)
	mock.SetHistory("C2", []HistoryMessage{
		{ID: "1", AuthorName: "luis", Content: "el torneo es el sábado", Timestamp: baseTime},
	})

	r.Handle(context.Background(), mention("<@999> cuándo es el torneo?"))

	replies := mock.Replies()
	if len(replies) != 1 || !strings.Contains(replies[0].Text, "[Members-18] luis: el torneo es el sábado") {
		t.Errorf("replies = %+v", replies)
	}
}

func TestHandle_CurrentChannelSearchExcludesBotReplies(t *testing.T) {
	ans := &fakeAnswerer{search: &[2]string{"*", "general"}}
	r, mock, _ := setupRouter(t, ans)
	mock.SetHistory("C1", []HistoryMessage{
		{ID: "M100", AuthorName: "ana", Content: "<@999> qué se dijo aquí?", Timestamp: baseTime.Add(2 * time.Minute)},
		{ID: "2", AuthorName: "MAI", AuthorID: testBotID, IsBot: true, Content: "respuesta anterior del bot", Timestamp: baseTime.Add(time.Minute)},
		{ID: "1", AuthorName: "pepe", Content: "quedamos a las 8", Timestamp: baseTime},
	})

	r.Handle(context.Background(), mention("<@999> qué se dijo aquí?"))

	replies := mock.Replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %+v", replies)
	}
	if strings.Contains(replies[0].Text, "respuesta anterior del bot") {
		t.Errorf("bot message returned by search: %q", replies[0].Text)
	}
	if !strings.Contains(replies[0].Text, "pepe: quedamos a las 8") {
		t.Errorf("reply = %q", replies[0].Text)
	}
}

func TestStripMentions(t *testing.T) {
	r, _, _ := setupRouter(t, &fakeAnswerer{})
	tests := map[string]string{
		"<@999> hola":          "hola",
		"<@!999>   qué tal  ":  "qué tal",
		"hola <@999> y <@123>": "hola  y <@123>",
		"<@999>":               "",
	}
	for in, want := range tests {
		if got := r.stripMentions(in); got != want {
			t.Errorf("stripMentions(%q) = %q, want %q", in, got, want)
		}
	}
}
