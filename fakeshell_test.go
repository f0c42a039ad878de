package main

import "time"

// fakeShell is a scripted RemoteShell double: each Run call is looked up
// by its exact command string (registration order does not matter), and
// every call is recorded so tests can assert exactly which commands the
// code under test issued.
type fakeShell struct {
	responses map[string]fakeResponse
	calls     []string
}

type fakeResponse struct {
	exitCode int
	stdout   string
	stderr   string
}

func newFakeShell() *fakeShell {
	return &fakeShell{responses: map[string]fakeResponse{}}
}

func (f *fakeShell) on(command string, exitCode int, stdout, stderr string) *fakeShell {
	f.responses[command] = fakeResponse{exitCode: exitCode, stdout: stdout, stderr: stderr}
	return f
}

func (f *fakeShell) Connect(hostname string, port int, creds Credentials, timeout time.Duration) error {
	return nil
}

func (f *fakeShell) Run(command string, timeout time.Duration) (int, string, string) {
	f.calls = append(f.calls, command)
	if r, ok := f.responses[command]; ok {
		return r.exitCode, r.stdout, r.stderr
	}
	return 127, "", "command not found: " + command
}

func (f *fakeShell) Close() error { return nil }
