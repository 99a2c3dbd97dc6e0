package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/memewars/internal/battle"
	"github.com/wnt/memewars/internal/database"
	"github.com/wnt/memewars/internal/logger"
	"github.com/wnt/memewars/internal/models"
	"github.com/wnt/memewars/internal/realtime"
	"github.com/wnt/memewars/internal/session"
	"github.com/wnt/memewars/internal/store"
	"github.com/wnt/memewars/internal/submission"
)

const (
	walletA = "So11111111111111111111111111111111111111112"
	walletB = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
)

type memoryUploader struct {
	objects map[string][]byte
}

func (u *memoryUploader) Upload(_ context.Context, path string, data []byte, _ string) error {
	u.objects[path] = data
	return nil
}

func (u *memoryUploader) PublicURL(path string) string { return "https://cdn.test/" + path }

func (u *memoryUploader) Remove(_ context.Context, path string) error {
	delete(u.objects, path)
	return nil
}

type testEnv struct {
	server   *Server
	store    *store.Store
	uploader *memoryUploader
	battle   *models.Battle
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)

	bus := realtime.NewMemoryBus()
	s := store.New(db, bus, logger.Nop())
	b := &models.Battle{Status: models.BattleActive, LeftName: "Doge", RightName: "Pepe", StartTime: time.Now().UTC()}
	require.NoError(t, s.CreateBattle(context.Background(), b))

	registry := session.NewRegistry(session.NewResolver(s, nil, logger.Nop()), time.Hour, logger.Nop())
	uploader := &memoryUploader{objects: map[string][]byte{}}
	service := submission.NewService(s, uploader, logger.Nop())

	return &testEnv{
		server:   NewServer(cfg, s, bus, registry, service, logger.Nop()),
		store:    s,
		uploader: uploader,
		battle:   b,
	}
}

func (e *testEnv) do(t *testing.T, method, path, wallet string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set(WalletHeader, wallet)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) connect(t *testing.T, wallet string) models.User {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/session", "", jsonBody{"wallet_address": wallet})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		User *models.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.User)
	return *resp.User
}

type jsonBody map[string]interface{}

func decode(t *testing.T, rec *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), target), rec.Body.String())
}

func TestSession(t *testing.T) {
	env := newTestEnv(t, Config{})

	t.Run("rejects malformed addresses", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/session", "", jsonBody{"wallet_address": "not-a-wallet"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = env.do(t, http.MethodPost, "/api/session", "", jsonBody{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("same wallet resolves to the same user", func(t *testing.T) {
		first := env.connect(t, walletA)
		second := env.connect(t, walletA)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, walletA, first.WalletAddress)
		assert.NotEmpty(t, first.Username)
	})

	t.Run("disconnect ends the session", func(t *testing.T) {
		env.connect(t, walletB)
		rec := env.do(t, http.MethodDelete, "/api/session", walletB, nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = env.do(t, http.MethodPost, "/api/battles/"+env.battle.ID+"/votes", walletB, jsonBody{"side": "left"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestVoting(t *testing.T) {
	env := newTestEnv(t, Config{})
	path := "/api/battles/" + env.battle.ID

	rec := env.do(t, http.MethodPost, path+"/votes", walletA, jsonBody{"side": "left"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no session yet")

	user := env.connect(t, walletA)

	rec = env.do(t, http.MethodPost, path+"/votes", walletA, jsonBody{"side": "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, path+"/votes", walletA, jsonBody{"side": "right"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(t, http.MethodPost, path+"/votes", walletA, jsonBody{"side": "left"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, path+"/votes/me", walletA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine struct {
		Vote *models.Vote `json:"vote"`
	}
	decode(t, rec, &mine)
	require.NotNil(t, mine.Vote)
	assert.Equal(t, models.TeamLeft, mine.Vote.Team)
	assert.Equal(t, user.ID, mine.Vote.UserID)

	rec = env.do(t, http.MethodGet, "/api/battles/active", walletA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active struct {
		Battle *battle.ViewModel `json:"battle"`
	}
	decode(t, rec, &active)
	require.NotNil(t, active.Battle)
	assert.Equal(t, 1, active.Battle.LeftVotes)
	assert.Equal(t, 0, active.Battle.RightVotes)
	require.NotNil(t, active.Battle.CurrentUserVote)
	assert.Equal(t, models.TeamLeft, *active.Battle.CurrentUserVote)

	finished := &models.Battle{Status: models.BattleFinished, StartTime: time.Now()}
	require.NoError(t, env.store.CreateBattle(context.Background(), finished))
	rec = env.do(t, http.MethodPost, "/api/battles/"+finished.ID+"/votes", walletA, jsonBody{"side": "left"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestNoActiveBattle(t *testing.T) {
	env := newTestEnv(t, Config{})
	require.NoError(t, env.store.DB().Model(&models.Battle{}).Where("id = ?", env.battle.ID).Update("status", models.BattleFinished).Error)

	rec := env.do(t, http.MethodGet, "/api/battles/active", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"battle":null}`, rec.Body.String())
}

func TestComments(t *testing.T) {
	env := newTestEnv(t, Config{CommentRatePerMinute: 2})
	path := "/api/battles/" + env.battle.ID + "/comments"
	env.connect(t, walletA)

	rec := env.do(t, http.MethodPost, path, walletA, jsonBody{"username": "doge_fan", "team": "left", "content": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var invalid map[string]string
	decode(t, rec, &invalid)
	assert.Equal(t, "content", invalid["field"])

	rec = env.do(t, http.MethodPost, path, walletA, jsonBody{"username": "doge_fan", "team": "left", "content": "second"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, path, walletA, jsonBody{"username": "doge_fan", "team": "left", "content": "third"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = env.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Comments []models.Comment `json:"comments"`
	}
	decode(t, rec, &listed)
	require.Len(t, listed.Comments, 1)
	assert.Equal(t, "second", listed.Comments[0].Content)
	assert.Equal(t, "doge_fan", listed.Comments[0].Username)
}

func multipartMeme(t *testing.T, image []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, value := range fields {
		require.NoError(t, w.WriteField(key, value))
	}
	if image != nil {
		part, err := w.CreateFormFile("image", "meme.png")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestSubmitMemeAndLike(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connect(t, walletA)
	path := "/api/battles/" + env.battle.ID + "/memes"
	fields := map[string]string{"team": "right", "submission_name": "Pepe wins"}

	png := make([]byte, 2048)
	copy(png, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'})

	send := func(image []byte) *httptest.ResponseRecorder {
		body, contentType := multipartMeme(t, image, fields)
		req := httptest.NewRequest(http.MethodPost, path, body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set(WalletHeader, walletA)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := send(make([]byte, 6<<20))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.uploader.objects)

	rec = send(nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = send(png)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Meme models.Meme `json:"meme"`
	}
	decode(t, rec, &created)
	assert.Equal(t, models.TeamRight, created.Meme.Team)
	assert.True(t, strings.HasPrefix(created.Meme.ImageURL, "https://cdn.test/"))
	assert.Len(t, env.uploader.objects, 1)

	rec = env.do(t, http.MethodPost, "/api/memes/"+created.Meme.ID+"/like", walletA, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var liked struct {
		Meme models.Meme `json:"meme"`
	}
	decode(t, rec, &liked)
	assert.Equal(t, 1, liked.Meme.LikesCount)

	rec = env.do(t, http.MethodPost, "/api/memes/"+created.Meme.ID+"/like", walletA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &liked)
	assert.Equal(t, 1, liked.Meme.LikesCount, "a second like from the same wallet is not counted")

	rec = env.do(t, http.MethodPost, "/api/memes/"+created.Meme.ID+"/like", walletA, jsonBody{"liked": false})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &liked)
	assert.Equal(t, 0, liked.Meme.LikesCount)

	rec = env.do(t, http.MethodGet, "/api/leaderboard/memes?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var top struct {
		Memes []models.Meme `json:"memes"`
	}
	decode(t, rec, &top)
	assert.Len(t, top.Memes, 1)
}

func TestProfile(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.connect(t, walletA)
	env.connect(t, walletB)

	rec := env.do(t, http.MethodPut, "/api/users/me/username", walletA, jsonBody{"username": "meme_lord"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPut, "/api/users/me/username", walletB, jsonBody{"username": "meme_lord"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/users/"+walletA, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var profile struct {
		User models.User `json:"user"`
	}
	decode(t, rec, &profile)
	assert.Equal(t, "meme_lord", profile.User.Username)

	rec = env.do(t, http.MethodGet, "/api/users/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var board struct {
		Users []models.User `json:"users"`
	}
	decode(t, rec, &board)
	assert.Len(t, board.Users, 2)
}

// readEvent returns the data of the next SSE event with the given name
func readEvent(t *testing.T, r *bufio.Reader, name string) string {
	t.Helper()
	current := ""
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			current = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && current == name:
			return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func TestStream(t *testing.T) {
	env := newTestEnv(t, Config{KeepAlive: time.Minute})
	env.connect(t, walletA)

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/battles/"+env.battle.ID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set(WalletHeader, walletA)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	var vm battle.ViewModel
	require.NoError(t, json.Unmarshal([]byte(readEvent(t, reader, "battle")), &vm))
	assert.Equal(t, env.battle.ID, vm.BattleID)
	assert.Nil(t, vm.CurrentUserVote)

	rec := env.do(t, http.MethodPost, "/api/battles/"+env.battle.ID+"/votes", walletA, jsonBody{"side": "right"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for vm.CurrentUserVote == nil || vm.RightVotes != 1 {
		require.NoError(t, json.Unmarshal([]byte(readEvent(t, reader, "battle")), &vm))
	}
	assert.Equal(t, models.TeamRight, *vm.CurrentUserVote)
	assert.Equal(t, 0, vm.LeftVotes)

	cancel()
}

func TestStreamUnknownBattle(t *testing.T) {
	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodGet, "/api/battles/missing/stream", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
