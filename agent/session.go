package agent

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type Proficiency string

const Beginner Proficiency = "beginner"

// Session identifies one conversation. It does not change once created.
type Session struct {
	TargetLanguage string
	Topic          string
	UserAge        int
	Proficiency    Proficiency
}

const (
	minAge = 1
	maxAge = 120
)

func (s Session) Validate() error {
	var errs []error
	if strings.TrimSpace(s.TargetLanguage) == "" {
		errs = append(errs, errors.New("target language is required"))
	}
	if strings.TrimSpace(s.Topic) == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if s.UserAge < minAge || s.UserAge > maxAge {
		errs = append(errs, fmt.Errorf("user age %d out of range %d-%d", s.UserAge, minAge, maxAge))
	}
	if s.Proficiency != "" && s.Proficiency != Beginner {
		errs = append(errs, fmt.Errorf("unsupported proficiency level %q", s.Proficiency))
	}
	return errors.Join(errs...)
}

func (s Session) proficiency() Proficiency {
	if s.Proficiency == "" {
		return Beginner
	}
	return s.Proficiency
}

// Query renders the session as the query string the agent expects.
func (s Session) Query() url.Values {
	q := url.Values{}
	q.Set("target_language", s.TargetLanguage)
	q.Set("topic", s.Topic)
	q.Set("user_age", strconv.Itoa(s.UserAge))
	q.Set("proficiency_level", string(s.proficiency()))
	return q
}

// ParseSession is the inverse of Query. A missing proficiency means beginner.
func ParseSession(q url.Values) (Session, error) {
	age, err := strconv.Atoi(q.Get("user_age"))
	if err != nil {
		return Session{}, fmt.Errorf("invalid user_age %q", q.Get("user_age"))
	}
	s := Session{
		TargetLanguage: q.Get("target_language"),
		Topic:          q.Get("topic"),
		UserAge:        age,
		Proficiency:    Proficiency(q.Get("proficiency_level")),
	}
	s.Proficiency = s.proficiency()
	if err := s.Validate(); err != nil {
		return Session{}, err
	}
	return s, nil
}

// BuildURL appends the session parameters to endpoint, replacing any that
// are already present.
func BuildURL(endpoint string, s Session) (string, error) {
	if err := s.Validate(); err != nil {
		return "", fmt.Errorf("invalid session: %w", err)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("invalid endpoint scheme %q (want ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}
	q := u.Query()
	for k, v := range s.Query() {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
