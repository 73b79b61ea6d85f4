package secrets

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

func stubRun(t *testing.T, wantName string, out string, err error) runFunc {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		t.Helper()
		if name != wantName {
			t.Errorf("command = %q, want %q", name, wantName)
		}
		if err != nil {
			return nil, err
		}
		return []byte(out), nil
	}
}

func TestAWSGet(t *testing.T) {
	t.Run("resolves", func(t *testing.T) {
		a := NewAWS("us-east-1")
		a.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
			joined := strings.Join(args, " ")
			if !strings.Contains(joined, "--secret-id trading/coinbase") {
				t.Errorf("args = %q", joined)
			}
			if !strings.Contains(joined, "--region us-east-1") {
				t.Errorf("region flag missing: %q", joined)
			}
			return []byte("the-secret\n"), nil
		}
		v, err := a.Get(context.Background(), "trading/coinbase")
		if err != nil || v != "the-secret" {
			t.Errorf("Get = %q, %v", v, err)
		}
	})

	t.Run("missing secret", func(t *testing.T) {
		a := NewAWS("")
		a.run = stubRun(t, "aws", "", errors.New("aws: exit status 254: ResourceNotFoundException: Secrets Manager can't find the specified secret"))
		_, err := a.Get(context.Background(), "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("cli absent", func(t *testing.T) {
		a := NewAWS("")
		a.run = stubRun(t, "aws", "", exec.ErrNotFound)
		_, err := a.Get(context.Background(), "anything")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("backend failure is not a miss", func(t *testing.T) {
		a := NewAWS("")
		a.run = stubRun(t, "aws", "", errors.New("aws: exit status 255: ExpiredTokenException"))
		_, err := a.Get(context.Background(), "k")
		if err == nil || errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want non-NotFound failure", err)
		}
	})
}

func TestOnePasswordGet(t *testing.T) {
	t.Run("plain key builds reference", func(t *testing.T) {
		o := NewOnePassword("Trading")
		o.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
			want := []string{"read", "-n", "op://Trading/coinbase/api_key"}
			if strings.Join(args, " ") != strings.Join(want, " ") {
				t.Errorf("args = %v, want %v", args, want)
			}
			return []byte("op-value"), nil
		}
		v, err := o.Get(context.Background(), "coinbase/api_key")
		if err != nil || v != "op-value" {
			t.Errorf("Get = %q, %v", v, err)
		}
	})

	t.Run("op reference passes through", func(t *testing.T) {
		o := NewOnePassword("")
		o.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
			if args[2] != "op://Other/item/field" {
				t.Errorf("ref = %q", args[2])
			}
			return []byte("v"), nil
		}
		if _, err := o.Get(context.Background(), "op://Other/item/field"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	})

	t.Run("missing item", func(t *testing.T) {
		o := NewOnePassword("")
		o.run = stubRun(t, "op", "", errors.New(`op: exit status 1: "nope" isn't an item`))
		_, err := o.Get(context.Background(), "nope")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}
