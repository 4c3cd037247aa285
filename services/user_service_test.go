package services

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"

	"gorm.io/gorm"

	"helpdesk/models"
	"helpdesk/testutil"
)

func userSetup(t *testing.T) (*UserService, *fakeNotifier, *models.User, []*models.Mailbox) {
	t.Helper()
	db := testutil.NewDB(t)
	admin := testutil.CreateUser(t, db, "admin@desk.test", models.RoleAdmin)
	mailboxes := []*models.Mailbox{
		testutil.CreateMailbox(t, db, "one@desk.test"),
		testutil.CreateMailbox(t, db, "two@desk.test"),
		testutil.CreateMailbox(t, db, "three@desk.test"),
	}
	notifier := newFakeNotifier()
	return NewUserService(db, notifier, testLogger()), notifier, admin, mailboxes
}

func grantIDs(t *testing.T, s *UserService, id uint) []uint {
	t.Helper()
	u := reload(t, s.db, id)
	ids := u.MailboxIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func TestCreateUser_GrantsMailboxesAndRejectsDuplicateEmail(t *testing.T) {
	s, _, admin, mb := userSetup(t)
	ctx := context.Background()

	in := CreateUserInput{
		FirstName:  "Ann",
		LastName:   "Lee",
		Email:      "ann@x.com",
		Role:       "user",
		Password:   "secret123",
		MailboxIDs: []uint{mb[0].ID, mb[1].ID},
	}
	user, err := s.Create(ctx, admin, in)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got, want := grantIDs(t, s, user.ID), []uint{mb[0].ID, mb[1].ID}; !reflect.DeepEqual(got, want) {
		t.Errorf("grants = %v, want %v", got, want)
	}

	_, err = s.Create(ctx, admin, in)
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("second Create() error = %v, want ValidationError", err)
	}
	if !reflect.DeepEqual(verr.Fields, map[string]string{"email": "unique"}) {
		t.Errorf("Fields = %v, want {email: unique}", verr.Fields)
	}
}

func TestCreateUser_ValidationWritesNothing(t *testing.T) {
	s, _, admin, mb := userSetup(t)
	var before int64
	s.db.Model(&models.User{}).Count(&before)

	_, err := s.Create(context.Background(), admin, CreateUserInput{
		FirstName:  "Bartholomew-Maximilian",
		LastName:   "Lee",
		Email:      "not-an-email",
		Role:       "owner",
		MailboxIDs: []uint{mb[0].ID, 999},
	})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Create() error = %v, want ValidationError", err)
	}
	want := map[string]string{
		"first_name": "max:20",
		"email":      "email",
		"role":       "in",
		"password":   "required",
		"mailboxes":  "exists",
	}
	if !reflect.DeepEqual(verr.Fields, want) {
		t.Errorf("Fields = %v, want %v", verr.Fields, want)
	}

	var after int64
	s.db.Model(&models.User{}).Count(&after)
	if after != before {
		t.Errorf("users = %d, want %d", after, before)
	}
	var folders int64
	s.db.Model(&models.Folder{}).Where("user_id IS NOT NULL").Count(&folders)
	if folders != 0 {
		t.Errorf("personal folders = %d, want 0", folders)
	}
}

func TestCreateUser_NonAdminDenied(t *testing.T) {
	s, _, _, _ := userSetup(t)
	agent := testutil.CreateUser(t, s.db, "agent@desk.test", models.RoleUser)

	_, err := s.Create(context.Background(), agent, CreateUserInput{
		FirstName: "Ann", LastName: "Lee", Email: "ann@x.com", Role: "user", Password: "secret123",
	})
	var authErr *models.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Create() error = %v, want AuthorizationError", err)
	}
}

func TestCreateUser_ConcurrentDuplicateEmail(t *testing.T) {
	s, _, admin, _ := userSetup(t)

	// Another request inserts the same address after the uniqueness check
	// but before our insert.
	raced := false
	err := s.db.Callback().Create().Before("gorm:create").Register("test:concurrent_signup", func(tx *gorm.DB) {
		u, ok := tx.Statement.Dest.(*models.User)
		if !ok || raced {
			return
		}
		raced = true
		other := &models.User{
			FirstName: "Other", LastName: "Lee", Email: u.Email, Role: models.RoleUser,
			InviteState: models.InviteStateActivated, Timezone: "UTC", TimeFormat: models.TimeFormat12,
		}
		if err := tx.Session(&gorm.Session{NewDB: true}).Create(other).Error; err != nil {
			t.Errorf("concurrent insert error = %v", err)
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Create(context.Background(), admin, CreateUserInput{
		FirstName: "Ann", LastName: "Lee", Email: "ann@x.com", Role: "user", Password: "secret123",
	})
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Create() error = %v, want ValidationError", err)
	}
	if !reflect.DeepEqual(verr.Fields, map[string]string{"email": "unique"}) {
		t.Errorf("Fields = %v, want {email: unique}", verr.Fields)
	}
}

func TestCreateUser_PasswordLength(t *testing.T) {
	s, _, admin, _ := userSetup(t)
	in := CreateUserInput{FirstName: "Ann", LastName: "Lee", Email: "ann@x.com", Role: "user"}

	for _, tt := range []struct {
		password string
		want     string
	}{
		{"short", "min:8"},
		{strings.Repeat("p", 73), "max:72"},
		// 72 characters but more than 72 bytes.
		{strings.Repeat("é", 72), "max:72"},
	} {
		in.Password = tt.password
		_, err := s.Create(context.Background(), admin, in)
		var verr *models.ValidationError
		if !errors.As(err, &verr) || verr.Fields["password"] != tt.want {
			t.Errorf("password of %d chars: error = %v, want %s", len(tt.password), err, tt.want)
		}
	}

	in.Password = strings.Repeat("p", 72)
	if _, err := s.Create(context.Background(), admin, in); err != nil {
		t.Errorf("72-char password: error = %v", err)
	}
}

func TestListUsers_AnySignedInUser(t *testing.T) {
	s, _, admin, _ := userSetup(t)
	agent := testutil.CreateUser(t, s.db, "agent@desk.test", models.RoleUser)

	users, err := s.List(context.Background(), agent)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	ids := map[uint]bool{}
	for _, u := range users {
		ids[u.ID] = true
	}
	if len(users) != 2 || !ids[admin.ID] || !ids[agent.ID] {
		t.Errorf("List() = %d users, want admin and agent", len(users))
	}

	var authErr *models.AuthorizationError
	if _, err := s.List(context.Background(), nil); !errors.As(err, &authErr) {
		t.Errorf("List(nil) error = %v, want AuthorizationError", err)
	}
}

func TestCreateUser_InviteFlow(t *testing.T) {
	s, notifier, admin, _ := userSetup(t)
	ctx := context.Background()

	user, err := s.Create(ctx, admin, CreateUserInput{
		FirstName: "Ann", LastName: "Lee", Email: "Ann@X.com", Role: "user", SendInvite: true,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if user.Email != "ann@x.com" || user.InviteState != models.InviteStateSent || user.PasswordHash != "" {
		t.Errorf("user = %+v", user)
	}
	token := notifier.invites[user.ID]
	if token == "" || token == user.InviteTokenHash {
		t.Fatalf("invite token %q, stored hash %q", token, user.InviteTokenHash)
	}

	if _, err := s.Authenticate(ctx, "ann@x.com", "whatever1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Authenticate() before accept = %v, want ErrInvalidCredentials", err)
	}

	if _, err := s.AcceptInvite(ctx, AcceptInviteInput{Token: "wrong", Password: "newpass123"}); err == nil {
		t.Error("AcceptInvite() with wrong token should fail")
	}
	accepted, err := s.AcceptInvite(ctx, AcceptInviteInput{Token: token, Password: "newpass123"})
	if err != nil {
		t.Fatalf("AcceptInvite() error = %v", err)
	}
	if accepted.InviteState != models.InviteStateActivated || accepted.InviteTokenHash != "" {
		t.Errorf("accepted = %+v", accepted)
	}
	if _, err := s.AcceptInvite(ctx, AcceptInviteInput{Token: token, Password: "newpass123"}); err == nil {
		t.Error("invite token should be single use")
	}

	got, err := s.Authenticate(ctx, "ANN@x.com", "newpass123")
	if err != nil || got.ID != user.ID {
		t.Errorf("Authenticate() = %v, %v", got, err)
	}
	if _, err := s.Authenticate(ctx, "ann@x.com", "badpass123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Authenticate() wrong password = %v", err)
	}
}

func TestSyncMailboxGrants_ReplacesSetIdempotently(t *testing.T) {
	s, _, admin, mb := userSetup(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, s.db, "agent@desk.test", models.RoleUser)

	personalFolders := func() int64 {
		var n int64
		s.db.Model(&models.Folder{}).Where("user_id = ?", user.ID).Count(&n)
		return n
	}

	set := []uint{mb[0].ID, mb[1].ID}
	for i := 0; i < 2; i++ {
		if _, err := s.SyncMailboxGrants(ctx, admin, user.ID, set); err != nil {
			t.Fatalf("SyncMailboxGrants() #%d error = %v", i, err)
		}
		if got := grantIDs(t, s, user.ID); !reflect.DeepEqual(got, set) {
			t.Errorf("grants #%d = %v, want %v", i, got, set)
		}
		if got, want := personalFolders(), int64(2*len(models.PersonalFolderTypes)); got != want {
			t.Errorf("personal folders #%d = %d, want %d", i, got, want)
		}
	}

	// Shrinking the set revokes access but keeps the folders.
	if _, err := s.SyncMailboxGrants(ctx, admin, user.ID, []uint{mb[1].ID, mb[2].ID}); err != nil {
		t.Fatal(err)
	}
	if got, want := grantIDs(t, s, user.ID), []uint{mb[1].ID, mb[2].ID}; !reflect.DeepEqual(got, want) {
		t.Errorf("grants = %v, want %v", got, want)
	}
	if got, want := personalFolders(), int64(3*len(models.PersonalFolderTypes)); got != want {
		t.Errorf("personal folders = %d, want %d", got, want)
	}

	if _, err := s.SyncMailboxGrants(ctx, admin, user.ID, nil); err != nil {
		t.Fatal(err)
	}
	if got := grantIDs(t, s, user.ID); len(got) != 0 {
		t.Errorf("grants = %v, want none", got)
	}
}

func TestSyncMailboxGrants_UnknownMailboxLeavesGrantsUntouched(t *testing.T) {
	s, _, admin, mb := userSetup(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, s.db, "agent@desk.test", models.RoleUser)
	if _, err := s.SyncMailboxGrants(ctx, admin, user.ID, []uint{mb[0].ID}); err != nil {
		t.Fatal(err)
	}

	_, err := s.SyncMailboxGrants(ctx, admin, user.ID, []uint{mb[1].ID, 404})
	var verr *models.ValidationError
	if !errors.As(err, &verr) || verr.Fields["mailboxes"] != "exists" {
		t.Fatalf("SyncMailboxGrants() error = %v", err)
	}
	if got := grantIDs(t, s, user.ID); !reflect.DeepEqual(got, []uint{mb[0].ID}) {
		t.Errorf("grants = %v, want unchanged", got)
	}
}

func TestSyncMailboxGrants_NonAdminDenied(t *testing.T) {
	s, _, _, mb := userSetup(t)
	user := testutil.CreateUser(t, s.db, "agent@desk.test", models.RoleUser)

	_, err := s.SyncMailboxGrants(context.Background(), user, user.ID, []uint{mb[0].ID})
	var authErr *models.AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want AuthorizationError", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	s, _, admin, _ := userSetup(t)
	ctx := context.Background()
	agent := testutil.CreateUser(t, s.db, "agent@desk.test", models.RoleUser)

	in := ProfileInput{
		FirstName: "Agent", LastName: "Smith", Email: "agent@desk.test",
		Timezone: "Europe/Paris", TimeFormat: 24, JobTitle: "Support",
	}
	updated, err := s.UpdateProfile(ctx, agent, agent.ID, in)
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if updated.Timezone != "Europe/Paris" || updated.TimeFormat != 24 || updated.EnableKbShortcuts {
		t.Errorf("updated = %+v", updated)
	}

	bad := in
	bad.Email = "admin@desk.test"
	bad.Timezone = "Mars/Olympus"
	_, err = s.UpdateProfile(ctx, agent, agent.ID, bad)
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if verr.Fields["email"] != "unique" || verr.Fields["timezone"] != "timezone" {
		t.Errorf("Fields = %v", verr.Fields)
	}

	promote := in
	promote.Role = "admin"
	if _, err := s.UpdateProfile(ctx, agent, agent.ID, promote); err == nil {
		t.Error("non-admin should not change their role")
	}
	if _, err := s.UpdateProfile(ctx, agent, admin.ID, in); err == nil {
		t.Error("non-admin should not edit another user")
	}
	if got, err := s.UpdateProfile(ctx, admin, agent.ID, promote); err != nil || got.Role != models.RoleAdmin {
		t.Errorf("admin promote = %v, %v", got, err)
	}
}

func TestPermissions(t *testing.T) {
	s, _, admin, mb := userSetup(t)
	ctx := context.Background()
	user := testutil.CreateUser(t, s.db, "agent@desk.test", models.RoleUser)
	if _, err := s.SyncMailboxGrants(ctx, admin, user.ID, []uint{mb[2].ID}); err != nil {
		t.Fatal(err)
	}

	perms, err := s.Permissions(ctx, admin, user.ID)
	if err != nil {
		t.Fatalf("Permissions() error = %v", err)
	}
	if len(perms.Mailboxes) != 3 || !reflect.DeepEqual(perms.Granted, []uint{mb[2].ID}) {
		t.Errorf("perms = %+v", perms)
	}
	if _, err := s.Permissions(ctx, user, user.ID); err == nil {
		t.Error("non-admin should not open the permissions page")
	}
}
