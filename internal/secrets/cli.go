package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCmd(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// AWS resolves secrets through `aws secretsmanager get-secret-value`. The
// key is the secret id as stored in Secrets Manager.
type AWS struct {
	Region string
	run    runFunc
}

func NewAWS(region string) *AWS {
	return &AWS{Region: region, run: runCmd}
}

func (a *AWS) Name() string { return "aws" }

func (a *AWS) Get(ctx context.Context, key string) (string, error) {
	args := []string{
		"secretsmanager", "get-secret-value",
		"--secret-id", key,
		"--query", "SecretString",
		"--output", "text",
	}
	if a.Region != "" {
		args = append(args, "--region", a.Region)
	}
	out, err := a.run(ctx, "aws", args...)
	if err != nil {
		if cliMiss(err, "ResourceNotFoundException") {
			return "", fmt.Errorf("%w: %s in aws", ErrNotFound, key)
		}
		return "", fmt.Errorf("secrets: aws: %w", err)
	}
	v := strings.TrimSpace(string(out))
	if v == "" || v == "None" {
		return "", fmt.Errorf("%w: %s in aws", ErrNotFound, key)
	}
	return v, nil
}

// OnePassword resolves secrets through `op read`. Keys already in op://
// reference form pass through; plain keys resolve inside VaultName
// (default "Private").
type OnePassword struct {
	VaultName string
	run       runFunc
}

func NewOnePassword(vaultName string) *OnePassword {
	if vaultName == "" {
		vaultName = "Private"
	}
	return &OnePassword{VaultName: vaultName, run: runCmd}
}

func (o *OnePassword) Name() string { return "1password" }

func (o *OnePassword) Get(ctx context.Context, key string) (string, error) {
	ref := key
	if !strings.HasPrefix(ref, "op://") {
		ref = "op://" + o.VaultName + "/" + key
	}
	out, err := o.run(ctx, "op", "read", "-n", ref)
	if err != nil {
		if cliMiss(err, "isn't an item", "could not be found") {
			return "", fmt.Errorf("%w: %s in 1password", ErrNotFound, key)
		}
		return "", fmt.Errorf("secrets: 1password: %w", err)
	}
	v := strings.TrimSpace(string(out))
	if v == "" {
		return "", fmt.Errorf("%w: %s in 1password", ErrNotFound, key)
	}
	return v, nil
}

// cliMiss reports whether a CLI failure means the key does not exist rather
// than the backend being broken. A missing binary counts as a miss so the
// chain moves on.
func cliMiss(err error, markers ...string) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	msg := err.Error()
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
