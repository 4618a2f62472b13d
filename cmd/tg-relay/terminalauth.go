// Copyright 2024-2026 Aiku AI

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// terminalAuth asks for login details on a terminal. Sign-up is not
// supported: both slots must belong to existing accounts.
type terminalAuth struct {
	in  *bufio.Reader
	out io.Writer
}

var _ auth.UserAuthenticator = (*terminalAuth)(nil)

func newTerminalAuth(in io.Reader, out io.Writer) *terminalAuth {
	return &terminalAuth{in: bufio.NewReader(in), out: out}
}

func (a *terminalAuth) ask(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	_, _ = fmt.Fprint(a.out, prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (a *terminalAuth) Phone(ctx context.Context) (string, error) {
	return a.ask(ctx, "Phone number (international format): ")
}

func (a *terminalAuth) Password(ctx context.Context) (string, error) {
	pwd, err := a.ask(ctx, "Two-step verification password: ")
	if err != nil {
		return "", err
	}
	if pwd == "" {
		return "", auth.ErrPasswordNotProvided
	}
	return pwd, nil
}

func (a *terminalAuth) Code(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	return a.ask(ctx, "Login code: ")
}

func (a *terminalAuth) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	return &auth.SignUpRequired{TermsOfService: tos}
}

func (a *terminalAuth) SignUp(context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("signing up is not supported, log in with an existing account")
}
