package core

import (
	"context"
	"encoding/base32"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// GorillaSession adapts a gorilla session bound to one request to
// auth.SessionContext. Every mutation is saved immediately.
type GorillaSession struct {
	session *sessions.Session
	r       *http.Request
	w       http.ResponseWriter
}

// NewGorillaSession wraps session for the request r answered through w.
func NewGorillaSession(session *sessions.Session, r *http.Request, w http.ResponseWriter) *GorillaSession {
	return &GorillaSession{session: session, r: r, w: w}
}

func (s *GorillaSession) Get(key string) (string, bool) {
	v, ok := s.session.Values[key].(string)
	return v, ok
}

func (s *GorillaSession) Set(key, value string) error {
	s.session.Values[key] = value
	return s.save()
}

func (s *GorillaSession) Delete(key string) error {
	delete(s.session.Values, key)
	return s.save()
}

// IsNew reports whether the session was created for this request rather
// than loaded from a cookie.
func (s *GorillaSession) IsNew() bool { return s.session.IsNew }

// reset empties the session and gives it a new id on the next save. A
// RedisStore copy of the old id is deleted.
func (s *GorillaSession) reset(ctx context.Context) error {
	if rs, ok := s.session.Store().(*RedisStore); ok && s.session.ID != "" {
		if err := rs.delete(ctx, s.session.ID); err != nil {
			return err
		}
	}
	s.session.Values = make(map[interface{}]interface{})
	s.session.ID = ""
	return nil
}

// expire empties the session and tells the browser to drop the cookie.
func (s *GorillaSession) expire() error {
	s.session.Values = make(map[interface{}]interface{})
	s.session.Options.MaxAge = -1
	return s.save()
}

func (s *GorillaSession) save() error {
	if err := s.session.Save(s.r, s.w); err != nil {
		return oops.Code("SESSION_SAVE_FAILED").Wrap(err)
	}
	return nil
}

// NewSessionStore returns the store selected by cfg.SessionBackend.
func NewSessionStore(cfg Config, client *redis.Client) sessions.Store {
	if cfg.SessionBackend == "redis" && client != nil {
		return NewRedisStore(client, []byte(cfg.SessionKey))
	}
	return sessions.NewCookieStore([]byte(cfg.SessionKey))
}

const redisSessionPrefix = "session:"

const defaultSessionMaxAge = 5 * time.Hour

// RedisStore is a sessions.Store keeping values in Redis. The cookie only
// carries the signed session id.
type RedisStore struct {
	client  *redis.Client
	Codecs  []securecookie.Codec
	Options *sessions.Options

	serializer securecookie.GobEncoder
}

// NewRedisStore returns a store signing ids with keyPairs, which follow the
// securecookie.CodecsFromPairs convention.
func NewRedisStore(client *redis.Client, keyPairs ...[]byte) *RedisStore {
	return &RedisStore{
		client: client,
		Codecs: securecookie.CodecsFromPairs(keyPairs...),
		Options: &sessions.Options{
			Path:   "/",
			MaxAge: int(defaultSessionMaxAge.Seconds()),
		},
	}
}

// Get returns the session cached for this request or loads it.
func (s *RedisStore) Get(r *http.Request, name string) (*sessions.Session, error) {
	return sessions.GetRegistry(r).Get(s, name)
}

// New loads the session named by the request cookie. A missing, forged or
// expired id yields a fresh session.
func (s *RedisStore) New(r *http.Request, name string) (*sessions.Session, error) {
	session := sessions.NewSession(s, name)
	opts := *s.Options
	session.Options = &opts
	session.IsNew = true

	c, err := r.Cookie(name)
	if err != nil {
		return session, nil
	}
	if err := securecookie.DecodeMulti(name, c.Value, &session.ID, s.Codecs...); err != nil {
		session.ID = ""
		return session, nil
	}
	found, err := s.load(r.Context(), session)
	if err != nil {
		return session, err
	}
	if !found {
		session.ID = ""
		return session, nil
	}
	session.IsNew = false
	return session, nil
}

// Save persists the session. A non-positive MaxAge deletes it and expires
// the cookie. A new session without values is not stored.
func (s *RedisStore) Save(r *http.Request, w http.ResponseWriter, session *sessions.Session) error {
	if session.Options.MaxAge <= 0 {
		if err := s.delete(r.Context(), session.ID); err != nil {
			return err
		}
		http.SetCookie(w, sessions.NewCookie(session.Name(), "", session.Options))
		return nil
	}
	if session.IsNew && session.ID == "" && len(session.Values) == 0 {
		return nil
	}

	if session.ID == "" {
		session.ID = newSessionID()
	}
	data, err := s.serializer.Serialize(session.Values)
	if err != nil {
		return oops.Code("SESSION_ENCODE_FAILED").Wrap(err)
	}
	ttl := time.Duration(session.Options.MaxAge) * time.Second
	if err := s.client.Set(r.Context(), redisSessionPrefix+session.ID, data, ttl).Err(); err != nil {
		return oops.Code("SESSION_SAVE_FAILED").Wrap(err)
	}

	encoded, err := securecookie.EncodeMulti(session.Name(), session.ID, s.Codecs...)
	if err != nil {
		return oops.Code("SESSION_ENCODE_FAILED").Wrap(err)
	}
	http.SetCookie(w, sessions.NewCookie(session.Name(), encoded, session.Options))
	return nil
}

func (s *RedisStore) load(ctx context.Context, session *sessions.Session) (bool, error) {
	data, err := s.client.Get(ctx, redisSessionPrefix+session.ID).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, oops.Code("SESSION_LOAD_FAILED").Wrap(err)
	}
	if err := s.serializer.Deserialize(data, &session.Values); err != nil {
		return false, oops.Code("SESSION_DECODE_FAILED").Wrap(err)
	}
	return true, nil
}

func (s *RedisStore) delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := s.client.Del(ctx, redisSessionPrefix+id).Err(); err != nil {
		return oops.Code("SESSION_DELETE_FAILED").Wrap(err)
	}
	return nil
}

func newSessionID() string {
	return strings.TrimRight(base32.StdEncoding.EncodeToString(securecookie.GenerateRandomKey(32)), "=")
}
