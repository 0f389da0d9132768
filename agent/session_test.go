package agent

import (
	"net/url"
	"strings"
	"testing"
)

func zuluSession() Session {
	return Session{TargetLanguage: "Zulu", Topic: "Animals", UserAge: 10, Proficiency: Beginner}
}

func TestSessionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Session)
		wantErr string
	}{
		{"valid", func(*Session) {}, ""},
		{"default proficiency", func(s *Session) { s.Proficiency = "" }, ""},
		{"no language", func(s *Session) { s.TargetLanguage = " " }, "target language"},
		{"no topic", func(s *Session) { s.Topic = "" }, "topic"},
		{"age zero", func(s *Session) { s.UserAge = 0 }, "user age"},
		{"age too high", func(s *Session) { s.UserAge = 200 }, "user age"},
		{"unknown proficiency", func(s *Session) { s.Proficiency = "expert" }, "proficiency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := zuluSession()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestBuildURL(t *testing.T) {
	got, err := BuildURL("ws://localhost:8000/api/voice/ws/voice?topic=old", zuluSession())
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/api/voice/ws/voice" || u.Host != "localhost:8000" {
		t.Errorf("url = %s", got)
	}
	q := u.Query()
	want := map[string]string{
		"target_language":   "Zulu",
		"topic":             "Animals",
		"user_age":          "10",
		"proficiency_level": "beginner",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}
	if len(q["topic"]) != 1 {
		t.Errorf("topic should be replaced, got %v", q["topic"])
	}

	for _, bad := range []string{"ftp://host/x", "ws:///nohost", "://"} {
		if _, err := BuildURL(bad, zuluSession()); err == nil {
			t.Errorf("BuildURL(%q) should fail", bad)
		}
	}
	if _, err := BuildURL("ws://localhost", Session{}); err == nil {
		t.Error("invalid session should fail")
	}
}

func TestParseSession(t *testing.T) {
	s := zuluSession()
	got, err := ParseSession(s.Query())
	if err != nil {
		t.Fatal(err)
	}
	if got != s {
		t.Errorf("round trip = %+v, want %+v", got, s)
	}

	q := s.Query()
	q.Del("proficiency_level")
	got, err = ParseSession(q)
	if err != nil || got.Proficiency != Beginner {
		t.Errorf("missing proficiency: %+v, %v", got, err)
	}

	q.Set("user_age", "ten")
	if _, err := ParseSession(q); err == nil {
		t.Error("non-numeric age should fail")
	}
}
