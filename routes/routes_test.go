package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"helpdesk/config"
	"helpdesk/models"
	"helpdesk/testutil"
	"helpdesk/utils"
)

func TestMain(m *testing.M) {
	config.AppConfig.EncryptionKey = strings.Repeat("k", 32)
	config.AppConfig.AppURL = "http://desk.test"
	logrus.SetLevel(logrus.PanicLevel)
	os.Exit(m.Run())
}

type envelope struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields"`
	Data    json.RawMessage   `json:"data"`
}

type server struct {
	t   *testing.T
	app *fiber.App
	db  *gorm.DB
}

func newServer(t *testing.T) *server {
	t.Helper()
	db := testutil.NewDB(t)
	app := NewApp(nil)
	SetupRoutes(app, Dependencies{DB: db, LoginLimit: 100})
	return &server{t: t, app: app, db: db}
}

func (s *server) do(method, path, token string, body interface{}) (int, envelope) {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			s.t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &env); err != nil {
			s.t.Fatalf("%s %s: decode %s: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, env
}

func (s *server) user(email string, role models.Role) *models.User {
	s.t.Helper()
	user := testutil.CreateUser(s.t, s.db, email, role)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret-pass"), bcrypt.MinCost)
	if err != nil {
		s.t.Fatal(err)
	}
	user.PasswordHash = string(hash)
	if err := s.db.Save(user).Error; err != nil {
		s.t.Fatal(err)
	}
	return user
}

func (s *server) login(email string) string {
	s.t.Helper()
	status, env := s.do("POST", "/auth/login", "", fiber.Map{"email": email, "password": "secret-pass"})
	if status != http.StatusOK {
		s.t.Fatalf("login %s = %d %s", email, status, env.Error)
	}
	var auth struct {
		AccessToken string `json:"access_token"`
	}
	json.Unmarshal(env.Data, &auth)
	return auth.AccessToken
}

func decodeID(t *testing.T, data json.RawMessage) uint {
	t.Helper()
	var v struct {
		ID uint `json:"ID"`
	}
	if err := json.Unmarshal(data, &v); err != nil || v.ID == 0 {
		t.Fatalf("no id in %s", data)
	}
	return v.ID
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	if status, _ := s.do("GET", "/health", "", nil); status != http.StatusOK {
		t.Errorf("GET /health = %d", status)
	}
}

func TestLogin(t *testing.T) {
	s := newServer(t)
	s.user("admin@desk.test", models.RoleAdmin)

	if status, _ := s.do("POST", "/auth/login", "", fiber.Map{"email": "admin@desk.test", "password": "wrong-pass"}); status != http.StatusUnauthorized {
		t.Errorf("bad password = %d, want 401", status)
	}

	token := s.login("admin@desk.test")
	status, env := s.do("GET", "/auth/me", token, nil)
	if status != http.StatusOK || !bytes.Contains(env.Data, []byte("admin@desk.test")) {
		t.Errorf("GET /auth/me = %d %s", status, env.Data)
	}
	if status, _ := s.do("GET", "/api/v1/mailboxes", "", nil); status != http.StatusUnauthorized {
		t.Errorf("anonymous GET /api/v1/mailboxes = %d, want 401", status)
	}
}

func TestUserAdministration(t *testing.T) {
	s := newServer(t)
	s.user("admin@desk.test", models.RoleAdmin)
	s.user("agent@desk.test", models.RoleUser)
	admin := s.login("admin@desk.test")
	agent := s.login("agent@desk.test")

	status, env := s.do("POST", "/api/v1/mailboxes", admin, fiber.Map{"email": "support@desk.test", "name": "Support"})
	if status != http.StatusCreated {
		t.Fatalf("create mailbox = %d %v", status, env.Fields)
	}
	mailboxID := decodeID(t, env.Data)

	newUser := fiber.Map{
		"first_name": "Ann", "last_name": "Lee", "email": "ann@desk.test",
		"role": "user", "password": "long-enough", "mailboxes": []uint{mailboxID},
	}
	if status, env = s.do("POST", "/api/v1/users", admin, newUser); status != http.StatusCreated {
		t.Fatalf("create user = %d %v", status, env.Fields)
	}
	annID := decodeID(t, env.Data)

	status, env = s.do("POST", "/api/v1/users", admin, newUser)
	if status != http.StatusUnprocessableEntity || env.Fields["email"] != "unique" {
		t.Errorf("duplicate user = %d %v", status, env.Fields)
	}
	if status, _ = s.do("POST", "/api/v1/users", agent, newUser); status != http.StatusForbidden {
		t.Errorf("agent creates user = %d, want 403", status)
	}

	status, env = s.do("GET", fmt.Sprintf("/api/v1/users/%d/permissions", annID), admin, nil)
	if status != http.StatusOK || !bytes.Contains(env.Data, []byte(fmt.Sprintf(`"granted":[%d]`, mailboxID))) {
		t.Errorf("permissions = %d %s", status, env.Data)
	}
	status, _ = s.do("PUT", fmt.Sprintf("/api/v1/users/%d/permissions", annID), admin, fiber.Map{"mailboxes": []uint{}})
	if status != http.StatusOK {
		t.Errorf("revoke = %d", status)
	}
	if status, _ = s.do("GET", "/api/v1/users/abc", admin, nil); status != http.StatusNotFound {
		t.Errorf("non-numeric id = %d, want 404", status)
	}
}

func TestConversationFlow(t *testing.T) {
	s := newServer(t)
	s.user("admin@desk.test", models.RoleAdmin)
	s.user("outsider@desk.test", models.RoleUser)
	admin := s.login("admin@desk.test")
	outsider := s.login("outsider@desk.test")

	_, env := s.do("POST", "/api/v1/mailboxes", admin, fiber.Map{"email": "support@desk.test", "name": "Support"})
	mailboxID := decodeID(t, env.Data)

	status, env := s.do("POST", "/api/v1/conversations", admin, fiber.Map{
		"mailbox_id": mailboxID, "customer_email": "bob@customer.test", "subject": "Printer", "body": "<p>Try turning it off</p>",
	})
	if status != http.StatusCreated {
		t.Fatalf("create conversation = %d %v %s", status, env.Fields, env.Error)
	}
	convID := decodeID(t, env.Data)

	if status, _ = s.do("GET", fmt.Sprintf("/api/v1/conversations/%d", convID), outsider, nil); status != http.StatusForbidden {
		t.Errorf("outsider view = %d, want 403", status)
	}

	status, env = s.do("PUT", fmt.Sprintf("/api/v1/conversations/%d/status", convID), admin, fiber.Map{"status": "closed"})
	if status != http.StatusOK {
		t.Fatalf("close = %d %v", status, env.Fields)
	}
	status, env = s.do("PUT", fmt.Sprintf("/api/v1/conversations/%d/status", convID), admin, fiber.Map{"status": "bogus"})
	if status != http.StatusUnprocessableEntity {
		t.Errorf("bad status = %d, want 422", status)
	}

	status, env = s.do("POST", fmt.Sprintf("/api/v1/conversations/%d/threads", convID), admin, fiber.Map{"type": "note", "body": "internal"})
	if status != http.StatusCreated {
		t.Fatalf("add note = %d %v", status, env.Fields)
	}

	status, env = s.do("GET", fmt.Sprintf("/api/v1/mailboxes/%d/folders", mailboxID), admin, nil)
	if status != http.StatusOK {
		t.Fatalf("view = %d", status)
	}
	var view struct {
		Folders []models.Folder `json:"folders"`
	}
	json.Unmarshal(env.Data, &view)
	// The closed folder holds the reply, the status line item and the note.
	for _, f := range view.Folders {
		switch f.Type {
		case models.FolderTypeClosed:
			if f.TotalCount != 3 || f.ActiveCount != 0 {
				t.Errorf("closed folder counts = %d/%d, want 0/3", f.ActiveCount, f.TotalCount)
			}
		case models.FolderTypeUnassigned:
			if f.TotalCount != 0 {
				t.Errorf("unassigned folder total = %d, want 0", f.TotalCount)
			}
		}
	}

	if status, _ = s.do("DELETE", fmt.Sprintf("/api/v1/conversations/%d", convID), admin, nil); status != http.StatusOK {
		t.Errorf("delete = %d", status)
	}
	if status, _ = s.do("POST", fmt.Sprintf("/api/v1/conversations/%d/restore", convID), admin, nil); status != http.StatusOK {
		t.Errorf("restore = %d", status)
	}
}

func TestOpenTrackingPixel(t *testing.T) {
	s := newServer(t)
	s.user("admin@desk.test", models.RoleAdmin)
	admin := s.login("admin@desk.test")
	_, env := s.do("POST", "/api/v1/mailboxes", admin, fiber.Map{"email": "support@desk.test", "name": "Support"})
	mailboxID := decodeID(t, env.Data)
	_, env = s.do("POST", "/api/v1/conversations", admin, fiber.Map{
		"mailbox_id": mailboxID, "customer_email": "bob@customer.test", "subject": "Hi", "body": "Hello",
	})
	convID := decodeID(t, env.Data)

	var thread models.Thread
	if err := s.db.Where("conversation_id = ? AND type = ?", convID, models.ThreadTypeMessage).First(&thread).Error; err != nil {
		t.Fatal(err)
	}

	for _, token := range []string{"forged", utils.TrackingToken(thread.ID)} {
		req := httptest.NewRequest("GET", fmt.Sprintf("/track/open/%d/%s", thread.ID, token), nil)
		resp, err := s.app.Test(req, -1)
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/gif" {
			t.Errorf("pixel = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
		}
		s.db.First(&thread, thread.ID)
		if opened := thread.OpenedAt != nil; opened != (token != "forged") {
			t.Errorf("token %q: opened = %v", token, opened)
		}
	}
}
