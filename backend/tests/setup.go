package tests

import (
	"fmt"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"releasehub/backend/auth"
	"releasehub/backend/distributor"
	"releasehub/backend/schema"
	"releasehub/backend/services"
	"releasehub/backend/storage"
)

const (
	adminUsername = "admin123"
	adminEmail    = "admin123@mail.com"
	adminPassword = "admin_password123"

	testPortalURL  = "https://portal.test"
	testServiceKey = "service-key-123"
)

// scriptedTokens is a sign-up token source that hands out queued values
// first, then unique generated ones. Queuing the same value twice forces a
// collision.
type scriptedTokens struct {
	mu      sync.Mutex
	queue   []string
	counter int
}

func (s *scriptedTokens) push(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, tokens...)
}

func (s *scriptedTokens) next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		token := s.queue[0]
		s.queue = s.queue[1:]
		return token, nil
	}
	s.counter++
	return fmt.Sprintf("signup-token-%06d", s.counter), nil
}

type testEnv struct {
	backend *services.Backend
	api     chi.Router
	db      *gorm.DB

	store       *storage.MemoryStore
	mailer      *mailerStub
	distributor *distributorStub
	tokens      *scriptedTokens
}

func setupTestEnv(t *testing.T) *testEnv {
	return setupTestEnvVars(t, nil)
}

func setupTestEnvVars(t *testing.T, customize func(*services.Variables)) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatal(err)
	}

	err = db.AutoMigrate(
		&schema.User{}, &schema.Label{}, &schema.Release{}, &schema.ApiToken{},
	)
	if err != nil {
		t.Fatal(err)
	}

	if err := auth.EnsureAdmin(db, adminUsername, adminEmail, adminPassword); err != nil {
		t.Fatal(err)
	}

	distStub := newDistributorStub(t)
	store := storage.NewMemoryStore()
	mail := &mailerStub{}
	tokens := &scriptedTokens{}

	vars := services.Variables{
		AdminEmail:        adminEmail,
		PortalURL:         testPortalURL,
		ServiceKey:        testServiceKey,
		ForwardReleases:   true,
		SignupTokenSource: tokens.next,
	}
	if customize != nil {
		customize(&vars)
	}

	backend := services.NewBackend(
		db, store,
		distributor.NewClient(distStub.server.URL, testAccessId),
		mail,
		vars,
		[]byte("290zcv02ai249"),
	)

	return &testEnv{
		backend:     backend,
		api:         backend.Routes(),
		db:          db,
		store:       store,
		mailer:      mail,
		distributor: distStub,
		tokens:      tokens,
	}
}

func (t *testEnv) newClient() client {
	return client{api: t.api, serviceKey: testServiceKey}
}

func (t *testEnv) adminClient() (client, error) {
	c := t.newClient()
	err := c.login(loginInfo{Email: adminEmail, Password: adminPassword})
	return c, err
}

// newUser provisions a user through the full invite flow and returns a
// logged in client for them.
func (t *testEnv) newUser(admin *client, username string) (client, error) {
	token := fmt.Sprintf("invite-%v", username)
	t.tokens.push(token)

	if _, err := admin.inviteUser(username, username+"@mail.com"); err != nil {
		return client{}, err
	}

	c := t.newClient()
	password := username + "_password"
	if err := c.setPassword(token, password); err != nil {
		return client{}, err
	}

	err := c.login(loginInfo{Email: username + "@mail.com", Password: password})
	return c, err
}
