// Package mock provides an in-memory repository.Store for tests. It follows
// the same conditional-write rules as the SQL store.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/garnizeh/bountycast/pkg/models"
	"github.com/garnizeh/bountycast/pkg/repository"
)

type lease struct {
	owner string
	until int64
}

// Store is safe for concurrent use. Set Fail[method] to make that method
// return an error.
type Store struct {
	mu sync.Mutex

	questions     map[int64]*models.Question
	leases        map[int64]lease
	answers       map[int64]*models.Answer
	upvotes       map[[2]int64]int64
	comments      []models.Comment
	notifications []models.Notification
	tokens        map[int64]models.NotificationToken
	nextID        int64

	Fail  map[string]error
	Calls map[string]int
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		questions: map[int64]*models.Question{},
		leases:    map[int64]lease{},
		answers:   map[int64]*models.Answer{},
		upvotes:   map[[2]int64]int64{},
		tokens:    map[int64]models.NotificationToken{},
		Fail:      map[string]error{},
		Calls:     map[string]int{},
	}
}

// call records a call and returns the injected error, if any. Callers hold mu.
func (m *Store) call(name string) error {
	m.Calls[name]++
	return m.Fail[name]
}

// CallCount returns how many times method was called.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[method]
}

// SetFail injects err for method; nil clears it.
func (m *Store) SetFail(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Fail, method)
		return
	}
	m.Fail[method] = err
}

func (m *Store) id() int64 {
	m.nextID++
	return m.nextID
}

func copyQuestion(q *models.Question) *models.Question {
	c := *q
	c.Tags = append([]string(nil), q.Tags...)
	if q.Pending != nil {
		p := *q.Pending
		c.Pending = &p
	}
	return &c
}

func (m *Store) CreateQuestion(ctx context.Context, q *models.Question) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("CreateQuestion"); err != nil {
		return 0, err
	}
	c := copyQuestion(q)
	c.ID = m.id()
	if c.Status == "" {
		c.Status = models.StatusOpen
	}
	if c.Token == "" {
		c.Token = "ETH"
	}
	if c.Created == 0 {
		c.Created = time.Now().UnixMilli()
	}
	m.questions[c.ID] = c
	q.ID = c.ID
	return c.ID, nil
}

func (m *Store) GetQuestion(ctx context.Context, id int64) (*models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("GetQuestion"); err != nil {
		return nil, err
	}
	q, ok := m.questions[id]
	if !ok {
		return nil, nil
	}
	return copyQuestion(q), nil
}

func (m *Store) ListQuestions(ctx context.Context, f models.QuestionFilter) ([]models.QuestionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ListQuestions"); err != nil {
		return nil, err
	}
	search := strings.ToLower(strings.TrimSpace(f.Search))
	out := []models.QuestionView{}
	for _, q := range m.questions {
		if search != "" && !strings.Contains(strings.ToLower(q.Question), search) {
			continue
		}
		if f.Category != "" && q.Category != f.Category {
			continue
		}
		if f.Status != "" && q.Status != f.Status {
			continue
		}
		if f.AuthorFID != 0 && q.FID != f.AuthorFID {
			continue
		}
		var n int64
		for _, a := range m.answers {
			if a.QuestionID == q.ID {
				n++
			}
		}
		out = append(out, models.QuestionView{Question: *copyQuestion(q), AnswerCount: n})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Question, out[j].Question
		switch f.Sort {
		case models.SortOldest:
			if a.Created != b.Created {
				return a.Created < b.Created
			}
			return a.ID < b.ID
		case models.SortHighestBounty:
			if c := a.Bounty.Cmp(b.Bounty); c != 0 {
				return c > 0
			}
			return a.ID > b.ID
		case models.SortExpiringSoon:
			ao, bo := a.Status == models.StatusOpen, b.Status == models.StatusOpen
			if ao != bo {
				return ao
			}
			if a.Deadline != b.Deadline {
				return a.Deadline < b.Deadline
			}
			return a.ID < b.ID
		default:
			if a.Created != b.Created {
				return a.Created > b.Created
			}
			return a.ID > b.ID
		}
	})
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []models.QuestionView{}, nil
		}
		out = out[f.Offset:]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) CountQuestionsByAuthor(ctx context.Context, fid int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("CountQuestionsByAuthor"); err != nil {
		return 0, err
	}
	var n int64
	for _, q := range m.questions {
		if q.FID == fid {
			n++
		}
	}
	return n, nil
}

func (m *Store) EditQuestion(ctx context.Context, id, fid int64, body, category string, tags []string, now int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("EditQuestion"); err != nil {
		return false, err
	}
	q, ok := m.questions[id]
	if !ok || q.FID != fid || q.OriginalQuestion != nil || q.Status != models.StatusOpen {
		return false, nil
	}
	orig := q.Question
	q.OriginalQuestion = &orig
	q.Question = body
	q.Category = category
	q.Tags = append([]string(nil), tags...)
	q.Updated = now
	return true, nil
}

func (m *Store) listWhere(pred func(*models.Question) bool, limit int) []models.Question {
	var out []models.Question
	for _, q := range m.questions {
		if pred(q) {
			out = append(out, *copyQuestion(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Store) ListAwarded(ctx context.Context) ([]models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ListAwarded"); err != nil {
		return nil, err
	}
	return m.listWhere(func(q *models.Question) bool {
		return q.Status == models.StatusAwarded && q.WinnerFID != nil
	}, 0), nil
}

func (m *Store) ListAwardedByWinner(ctx context.Context, fid int64) ([]models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ListAwardedByWinner"); err != nil {
		return nil, err
	}
	return m.listWhere(func(q *models.Question) bool {
		return q.Status == models.StatusAwarded && q.WinnerFID != nil && *q.WinnerFID == fid
	}, 0), nil
}

func (m *Store) ListExpiredOpen(ctx context.Context, now, afterID int64, limit int) ([]models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ListExpiredOpen"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return m.listWhere(func(q *models.Question) bool {
		return q.ID > afterID && q.Status == models.StatusOpen && q.Deadline <= now
	}, limit), nil
}

func (m *Store) ListPendingAwards(ctx context.Context, afterID int64, limit int) ([]models.Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ListPendingAwards"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return m.listWhere(func(q *models.Question) bool {
		return q.ID > afterID && q.Status == models.StatusOpen && q.Pending != nil
	}, limit), nil
}

func (m *Store) ClaimSettlement(ctx context.Context, id int64, owner string, now, until int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ClaimSettlement"); err != nil {
		return false, err
	}
	q, ok := m.questions[id]
	if !ok || q.Status != models.StatusOpen {
		return false, nil
	}
	if l, held := m.leases[id]; held && l.until >= now {
		return false, nil
	}
	m.leases[id] = lease{owner: owner, until: until}
	return true, nil
}

func (m *Store) ReleaseSettlement(ctx context.Context, id int64, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ReleaseSettlement"); err != nil {
		return err
	}
	if l, ok := m.leases[id]; ok && l.owner == owner {
		delete(m.leases, id)
	}
	return nil
}

// Leased reports whether id currently carries a lease.
func (m *Store) Leased(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.leases[id]
	return ok
}

func (m *Store) RecordPendingAward(ctx context.Context, id int64, p models.PendingAward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("RecordPendingAward"); err != nil {
		return err
	}
	if q, ok := m.questions[id]; ok && q.Status == models.StatusOpen {
		if p.Submitted == 0 {
			p.Submitted = time.Now().UnixMilli()
		}
		q.Pending = &p
	}
	return nil
}

func (m *Store) ClearPendingAward(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ClearPendingAward"); err != nil {
		return err
	}
	if q, ok := m.questions[id]; ok {
		q.Pending = nil
	}
	return nil
}

func (m *Store) MarkAwarded(ctx context.Context, id, winnerFID int64, txHash string, now int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("MarkAwarded"); err != nil {
		return false, err
	}
	q, ok := m.questions[id]
	if !ok || q.Status != models.StatusOpen {
		return false, nil
	}
	w := winnerFID
	q.Status = models.StatusAwarded
	q.WinnerFID = &w
	q.AwardTx = txHash
	q.Updated = now
	q.Pending = nil
	delete(m.leases, id)
	return true, nil
}

func (m *Store) MarkExpired(ctx context.Context, id int64, reason string, now int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("MarkExpired"); err != nil {
		return false, err
	}
	q, ok := m.questions[id]
	if !ok || q.Status != models.StatusOpen {
		return false, nil
	}
	q.Status = models.StatusExpired
	q.CloseReason = reason
	q.Updated = now
	delete(m.leases, id)
	return true, nil
}

func (m *Store) CreateAnswer(ctx context.Context, a *models.Answer) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("CreateAnswer"); err != nil {
		return 0, err
	}
	for _, x := range m.answers {
		if x.QuestionID == a.QuestionID && x.FID == a.FID {
			return 0, repository.ErrDuplicate
		}
	}
	c := *a
	c.ID = m.id()
	if c.Created == 0 {
		c.Created = time.Now().UnixMilli()
	}
	m.answers[c.ID] = &c
	a.ID = c.ID
	return c.ID, nil
}

func (m *Store) GetAnswer(ctx context.Context, id int64) (*models.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("GetAnswer"); err != nil {
		return nil, err
	}
	a, ok := m.answers[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (m *Store) ListAnswers(ctx context.Context, questionID int64) ([]models.Answer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ListAnswers"); err != nil {
		return nil, err
	}
	out := []models.Answer{}
	for _, a := range m.answers {
		if a.QuestionID == questionID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Upvotes != out[j].Upvotes {
			return out[i].Upvotes > out[j].Upvotes
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Store) HasAnswered(ctx context.Context, questionID, fid int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("HasAnswered"); err != nil {
		return false, err
	}
	for _, a := range m.answers {
		if a.QuestionID == questionID && a.FID == fid {
			return true, nil
		}
	}
	return false, nil
}

// SetUpvotes overwrites the cached counter without touching vote rows. It
// lets settlement tests build rankings directly.
func (m *Store) SetUpvotes(answerID, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.answers[answerID]; ok {
		a.Upvotes = n
	}
}

func (m *Store) ToggleUpvote(ctx context.Context, answerID, fid int64, now time.Time, debounce time.Duration) (*repository.ToggleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ToggleUpvote"); err != nil {
		return nil, err
	}
	a, ok := m.answers[answerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	q, ok := m.questions[a.QuestionID]
	if !ok || q.Status != models.StatusOpen || now.UnixMilli() >= q.Deadline {
		return nil, repository.ErrQuestionClosed
	}
	key := [2]int64{answerID, fid}
	res := &repository.ToggleResult{QuestionID: q.ID, AnswerAuthor: a.FID}
	if created, voted := m.upvotes[key]; voted {
		if created > now.Add(-debounce).UnixMilli() {
			return nil, repository.ErrDuplicate
		}
		delete(m.upvotes, key)
		res.Action = repository.ActionRemoved
	} else {
		m.upvotes[key] = now.UnixMilli()
		res.Action = repository.ActionAdded
	}
	var n int64
	for k := range m.upvotes {
		if k[0] == answerID {
			n++
		}
	}
	a.Upvotes = n
	res.Upvotes = n
	return res, nil
}

func (m *Store) CountUpvotes(ctx context.Context, answerID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("CountUpvotes"); err != nil {
		return 0, err
	}
	var n int64
	for k := range m.upvotes {
		if k[0] == answerID {
			n++
		}
	}
	return n, nil
}

func (m *Store) CreateComment(ctx context.Context, c *models.Comment) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("CreateComment"); err != nil {
		return 0, err
	}
	cc := *c
	cc.ID = m.id()
	if cc.Created == 0 {
		cc.Created = time.Now().UnixMilli()
	}
	m.comments = append(m.comments, cc)
	c.ID = cc.ID
	return cc.ID, nil
}

func (m *Store) ListComments(ctx context.Context, answerID int64) ([]models.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ListComments"); err != nil {
		return nil, err
	}
	out := []models.Comment{}
	for _, c := range m.comments {
		if c.AnswerID == answerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Store) CreateNotification(ctx context.Context, n *models.Notification) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("CreateNotification"); err != nil {
		return 0, err
	}
	c := *n
	c.ID = m.id()
	m.notifications = append(m.notifications, c)
	n.ID = c.ID
	return c.ID, nil
}

// Notifications returns every stored notification, oldest first.
func (m *Store) Notifications() []models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Notification(nil), m.notifications...)
}

func (m *Store) ListNotifications(ctx context.Context, fid int64, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("ListNotifications"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	out := []models.Notification{}
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if m.notifications[i].UserFID == fid {
			out = append(out, m.notifications[i])
		}
	}
	return out, nil
}

func (m *Store) MarkRead(ctx context.Context, fid int64, ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("MarkRead"); err != nil {
		return 0, err
	}
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for i := range m.notifications {
		if m.notifications[i].UserFID == fid && want[m.notifications[i].ID] {
			m.notifications[i].Read = true
			n++
		}
	}
	return n, nil
}

func (m *Store) UpsertToken(ctx context.Context, t *models.NotificationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("UpsertToken"); err != nil {
		return err
	}
	m.tokens[t.FID] = *t
	return nil
}

func (m *Store) GetToken(ctx context.Context, fid int64) (*models.NotificationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("GetToken"); err != nil {
		return nil, err
	}
	t, ok := m.tokens[fid]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Store) DeleteToken(ctx context.Context, fid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.call("DeleteToken"); err != nil {
		return err
	}
	delete(m.tokens, fid)
	return nil
}
