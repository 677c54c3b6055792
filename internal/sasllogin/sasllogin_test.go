package sasllogin

import "testing"

func TestServerChallengeFraming(t *testing.T) {
	var gotUser, gotPass string
	srv := NewServer(func(username, password string) error {
		gotUser, gotPass = username, password
		return nil
	})

	challenge, done, err := srv.Next(nil)
	if err != nil {
		t.Fatalf("initial Next: %v", err)
	}
	if done {
		t.Fatal("initial Next should not be done")
	}
	if string(challenge) != "Username:" {
		t.Fatalf("initial challenge = %q, want Username:", challenge)
	}

	challenge, done, err = srv.Next([]byte("alyx"))
	if err != nil {
		t.Fatalf("username Next: %v", err)
	}
	if done {
		t.Fatal("should not be done after supplying the username")
	}
	if string(challenge) != "Password:" {
		t.Fatalf("second challenge = %q, want Password:", challenge)
	}

	_, done, err = srv.Next([]byte("alyxpassword"))
	if err != nil {
		t.Fatalf("password Next: %v", err)
	}
	if !done {
		t.Fatal("should be done after supplying the password")
	}
	if gotUser != "alyx" || gotPass != "alyxpassword" {
		t.Fatalf("authenticator saw (%q, %q), want (alyx, alyxpassword)", gotUser, gotPass)
	}
}

func TestServerPropagatesAuthenticationFailure(t *testing.T) {
	wantErr := errBoom{}
	srv := NewServer(func(username, password string) error {
		return wantErr
	})

	if _, _, err := srv.Next(nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := srv.Next([]byte("alyx")); err != nil {
		t.Fatal(err)
	}
	_, done, err := srv.Next([]byte("wrong"))
	if err != wantErr {
		t.Fatalf("Next should propagate the authenticator's error, got %v", err)
	}
	if !done {
		t.Fatal("should be done (terminal) even on authentication failure")
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
