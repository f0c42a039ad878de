package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// HypervisorClient is the Proxmox VE REST client (C4): ticket+CSRF auth,
// transport retries on transient status codes, and UPID task polling.
// Reads of the cached ticket/CSRF pair take a read lock and updates take
// the write lock. The authentication request itself is not serialized:
// concurrent callers that hit a 401 at the same time each re-authenticate.
type HypervisorClient struct {
	endpoint  string
	username  string
	password  string
	verifySSL bool
	timeout   time.Duration

	http *retryablehttp.Client
	log  *logrus.Entry

	mu        sync.RWMutex
	ticket    string
	csrfToken string
}

// ProxmoxAPIError wraps a non-2xx Proxmox response.
type ProxmoxAPIError struct {
	StatusCode int
	Body       string
}

func (e *ProxmoxAPIError) Error() string {
	return fmt.Sprintf("proxmox api error: %d - %s", e.StatusCode, e.Body)
}

func NewHypervisorClient(cfg *ProxmoxConfig, log *logrus.Entry) *HypervisorClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 8 * time.Second
	rc.Logger = nil // retryablehttp's own request logging is disabled

	transport := &http.Transport{}
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		log.Warn("proxmox: certificate verification disabled")
	}
	rc.HTTPClient = &http.Client{Transport: transport, Timeout: timeout}

	return &HypervisorClient{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		username:  cfg.Username,
		password:  cfg.Password,
		verifySSL: cfg.VerifySSL,
		timeout:   timeout,
		http:      rc,
		log:       log,
	}
}

func (c *HypervisorClient) authenticate() error {
	authURL := c.endpoint + "/api2/json/access/ticket"
	form := url.Values{"username": {c.username}, "password": {c.password}}

	req, err := retryablehttp.NewRequest(http.MethodPost, authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("proxmox: build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("proxmox: auth request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &ProxmoxAPIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed struct {
		Data struct {
			Ticket              string `json:"ticket"`
			CSRFPreventionToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("proxmox: parse auth response: %w", err)
	}

	c.mu.Lock()
	c.ticket = parsed.Data.Ticket
	c.csrfToken = parsed.Data.CSRFPreventionToken
	c.mu.Unlock()

	c.log.Infof("authenticated to proxmox at %s", c.endpoint)
	return nil
}

func (c *HypervisorClient) currentTicket() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ticket, c.csrfToken
}

// apiRequest authenticates lazily, retries exactly once on a 401 after a
// serialized re-auth, and returns the decoded "data" envelope.
func (c *HypervisorClient) apiRequest(method, path string, data url.Values) (map[string]any, error) {
	return c.apiRequestRetried(method, path, data, true)
}

func (c *HypervisorClient) apiRequestRetried(method, path string, data url.Values, allowReauth bool) (map[string]any, error) {
	ticket, csrf := c.currentTicket()
	if ticket == "" {
		if err := c.authenticate(); err != nil {
			return nil, fmt.Errorf("proxmox: authentication failed: %w", err)
		}
		ticket, csrf = c.currentTicket()
	}

	fullURL := c.endpoint + "/api2/json" + path
	var body io.Reader
	if method != http.MethodGet && data != nil {
		body = strings.NewReader(data.Encode())
	}
	if method == http.MethodGet && data != nil && len(data) > 0 {
		fullURL += "?" + data.Encode()
	}

	req, err := retryablehttp.NewRequest(method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("proxmox: build request: %w", err)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("CSRFPreventionToken", csrf)
	req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: ticket})

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxmox: request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		if !allowReauth {
			return nil, &ProxmoxAPIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		c.log.Warn("proxmox ticket expired, re-authenticating")
		c.mu.Lock()
		c.ticket = ""
		c.csrfToken = ""
		c.mu.Unlock()
		if err := c.authenticate(); err != nil {
			return nil, fmt.Errorf("proxmox: re-authentication failed: %w", err)
		}
		return c.apiRequestRetried(method, path, data, false)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &ProxmoxAPIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var decoded map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return nil, fmt.Errorf("proxmox: decode response: %w", err)
		}
	}
	return decoded, nil
}

func (c *HypervisorClient) GetVMStatus(node string, vmid int) (map[string]any, error) {
	return c.apiRequest(http.MethodGet, fmt.Sprintf("/nodes/%s/qemu/%d/status/current", node, vmid), nil)
}

// CreateSnapshot creates a disk-only snapshot by default (no RAM state),
// matching spec.md §4.4's "fast, reliable snapshot" preference.
func (c *HypervisorClient) CreateSnapshot(node string, vmid int, snapname, description string, includeRAM bool) (string, error) {
	if description == "" {
		description = "Automatic snapshot before updates - " + time.Now().Format("2006-01-02 15:04:05")
	}
	vmstate := "0"
	if includeRAM {
		vmstate = "1"
	}
	c.log.Infof("creating snapshot %q for VM %d on node %s", snapname, vmid, node)

	resp, err := c.apiRequest(http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/snapshot", node, vmid), url.Values{
		"snapname":    {snapname},
		"description": {description},
		"vmstate":     {vmstate},
	})
	if err != nil {
		return "", err
	}
	return upidFromResponse(resp), nil
}

func (c *HypervisorClient) DeleteSnapshot(node string, vmid int, snapname string) (string, error) {
	c.log.Infof("deleting snapshot %q for VM %d on node %s", snapname, vmid, node)
	resp, err := c.apiRequest(http.MethodDelete, fmt.Sprintf("/nodes/%s/qemu/%d/snapshot/%s", node, vmid, snapname), nil)
	if err != nil {
		return "", err
	}
	return upidFromResponse(resp), nil
}

func (c *HypervisorClient) RollbackSnapshot(node string, vmid int, snapname string) (string, error) {
	c.log.Warnf("rolling back VM %d on node %s to snapshot %q", vmid, node, snapname)
	resp, err := c.apiRequest(http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/snapshot/%s/rollback", node, vmid, snapname), nil)
	if err != nil {
		return "", err
	}
	return upidFromResponse(resp), nil
}

type Snapshot struct {
	Name string
}

func (c *HypervisorClient) ListSnapshots(node string, vmid int) ([]Snapshot, error) {
	resp, err := c.apiRequest(http.MethodGet, fmt.Sprintf("/nodes/%s/qemu/%d/snapshot", node, vmid), nil)
	if err != nil {
		return nil, err
	}
	raw, _ := resp["data"].([]any)
	snapshots := make([]Snapshot, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		if name == "" || name == "current" {
			continue
		}
		snapshots = append(snapshots, Snapshot{Name: name})
	}
	return snapshots, nil
}

// WaitForTask polls a UPID every two seconds until status=stopped, and
// succeeds iff exitstatus=="OK" (spec.md §4.4).
func (c *HypervisorClient) WaitForTask(node, upid string, timeout time.Duration) bool {
	if upid == "" {
		return true
	}
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", node, upid)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := c.apiRequest(http.MethodGet, path, nil)
		if err != nil {
			c.log.Warnf("error checking task status: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}

		data, _ := resp["data"].(map[string]any)
		status, _ := data["status"].(string)
		if status == "stopped" {
			exitStatus, _ := data["exitstatus"].(string)
			if exitStatus == "OK" {
				c.log.Infof("task %s completed successfully", upid)
				return true
			}
			c.log.Errorf("task %s failed with status: %s", upid, exitStatus)
			return false
		}
		time.Sleep(2 * time.Second)
	}

	c.log.Errorf("task %s timed out after %s", upid, timeout)
	return false
}

func (c *HypervisorClient) StartVM(node string, vmid int, timeout time.Duration) bool {
	c.log.Infof("starting VM %d on node %s", vmid, node)
	resp, err := c.apiRequest(http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/status/start", node, vmid), nil)
	if err != nil {
		c.log.Errorf("failed to start VM %d: %v", vmid, err)
		return false
	}
	return c.WaitForTask(node, upidFromResponse(resp), timeout)
}

func (c *HypervisorClient) RebootVM(node string, vmid int, timeout time.Duration) bool {
	c.log.Infof("rebooting VM %d on node %s", vmid, node)
	resp, err := c.apiRequest(http.MethodPost, fmt.Sprintf("/nodes/%s/qemu/%d/status/reboot", node, vmid), nil)
	if err != nil {
		c.log.Errorf("failed to reboot VM %d: %v", vmid, err)
		return false
	}
	return c.WaitForTask(node, upidFromResponse(resp), timeout)
}

func upidFromResponse(resp map[string]any) string {
	if resp == nil {
		return ""
	}
	if upid, ok := resp["data"].(string); ok {
		return upid
	}
	return ""
}
