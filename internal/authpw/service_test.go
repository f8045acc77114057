package authpw

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"lumen/api/internal/store"
)

type fakeUserStore struct {
	users map[string]store.User
	err   error
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]store.User{}}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	if f.err != nil {
		return store.User{}, f.err
	}
	user, ok := f.users[email]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	if _, ok := f.users[user.Email]; ok {
		return store.ErrDuplicate
	}
	f.users[user.Email] = user
	return nil
}

func newTestService(users *fakeUserStore) *Service {
	svc := NewService(users)
	svc.cost = bcrypt.MinCost
	return svc
}

func TestSignUpAndSignIn(t *testing.T) {
	users := newFakeUserStore()
	svc := newTestService(users)
	ctx := context.Background()

	created, err := svc.SignUp(ctx, SignUpRequest{Email: " Ana@Lumen.dev ", Password: "correct horse"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if created.Email != "ana@lumen.dev" || created.ID == "" || created.PasswordHash == "correct horse" {
		t.Fatalf("unexpected user: %+v", created)
	}

	user, err := svc.SignIn(ctx, "ANA@lumen.dev", "correct horse")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if user.ID != created.ID {
		t.Fatalf("signed in as %s, want %s", user.ID, created.ID)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := newTestService(newFakeUserStore())
	cases := []SignUpRequest{
		{Email: "", Password: "long enough"},
		{Email: "not-an-email", Password: "long enough"},
		{Email: "ana@lumen.dev", Password: "short"},
	}
	for _, req := range cases {
		if _, err := svc.SignUp(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("SignUp(%+v) error = %v, want ErrInvalidInput", req, err)
		}
	}
}

func TestSignUpRejectsTakenEmail(t *testing.T) {
	users := newFakeUserStore()
	svc := newTestService(users)
	req := SignUpRequest{Email: "ana@lumen.dev", Password: "correct horse"}

	if _, err := svc.SignUp(context.Background(), req); err != nil {
		t.Fatalf("first SignUp() error = %v", err)
	}
	if _, err := svc.SignUp(context.Background(), req); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("second SignUp() error = %v, want ErrEmailTaken", err)
	}
}

func TestSignInFailuresAreIndistinguishable(t *testing.T) {
	users := newFakeUserStore()
	svc := newTestService(users)
	if _, err := svc.SignUp(context.Background(), SignUpRequest{Email: "ana@lumen.dev", Password: "correct horse"}); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	for _, attempt := range [][2]string{
		{"ana@lumen.dev", "wrong password"},
		{"nobody@lumen.dev", "correct horse"},
		{"", ""},
	} {
		if _, err := svc.SignIn(context.Background(), attempt[0], attempt[1]); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("SignIn(%q) error = %v, want ErrInvalidCredentials", attempt[0], err)
		}
	}
}

func TestSignInStoreFailure(t *testing.T) {
	users := newFakeUserStore()
	users.err = errors.New("db down")
	svc := newTestService(users)

	_, err := svc.SignIn(context.Background(), "ana@lumen.dev", "correct horse")
	if err == nil || errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected store error, got %v", err)
	}
}
