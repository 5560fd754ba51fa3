package bugzilla

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role is the email field a bug was matched on.
type Role string

const (
	RoleQAContact  Role = "qa_contact"
	RoleCreator    Role = "creator"
	RoleAssignedTo Role = "assigned_to"
)

// Roles is the query order used when an email filter is configured.
var Roles = []Role{RoleQAContact, RoleCreator, RoleAssignedTo}

// Label is the human-readable section name used in reports.
func (r Role) Label() string {
	switch r {
	case RoleQAContact:
		return "QA Contact"
	case RoleCreator:
		return "Creator"
	case RoleAssignedTo:
		return "Assigned To"
	default:
		return string(r)
	}
}

// Bug is a normalized bug record. It is immutable once fetched.
type Bug struct {
	ID             string
	Status         string
	Product        string
	Component      string
	Summary        string
	AssignedTo     string
	Creator        string
	QAContact      string
	LastChangeTime time.Time

	// Roles lists which email roles matched (empty when no email filter is set).
	Roles []Role
}

// Email returns the bug's email for role r.
func (b Bug) Email(r Role) string {
	switch r {
	case RoleQAContact:
		return b.QAContact
	case RoleCreator:
		return b.Creator
	case RoleAssignedTo:
		return b.AssignedTo
	}
	return ""
}

// Filter is the read-only selection applied to every fetch.
type Filter struct {
	Statuses []string
	Products []string
	Email    string
}

// Allows reports whether b passes the status and product allow-lists.
// An empty product list allows every product.
func (f Filter) Allows(b Bug) bool {
	if len(f.Statuses) > 0 && !containsFold(f.Statuses, b.Status) {
		return false
	}
	if len(f.Products) > 0 && !containsFold(f.Products, b.Product) {
		return false
	}
	return true
}

// Query carries per-fetch parameters.
type Query struct {
	// Since maps to last_change_time. Zero omits the parameter.
	Since time.Time
}

// Segment is the result of a single role query.
type Segment struct {
	Role Role
	Bugs []Bug
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

// ---- wire format ----

type bugList struct {
	Bugs []wireBug `json:"bugs"`

	// Bugzilla reports API errors as {"error": true, "message": ..., "code": ...}.
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type wireBug struct {
	ID             bugID  `json:"id"`
	Status         string `json:"status"`
	Product        string `json:"product"`
	Component      string `json:"component"`
	Summary        string `json:"summary"`
	AssignedTo     string `json:"assigned_to"`
	Creator        string `json:"creator"`
	QAContact      string `json:"qa_contact"`
	LastChangeTime string `json:"last_change_time"`
}

// bugID accepts both numeric and string ids.
type bugID string

func (id *bugID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = bugID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("bug id: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*id = bugID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = bugID(n.String())
	return nil
}

func (w wireBug) normalize() Bug {
	b := Bug{
		ID:         string(w.ID),
		Status:     strings.TrimSpace(w.Status),
		Product:    strings.TrimSpace(w.Product),
		Component:  strings.TrimSpace(w.Component),
		Summary:    strings.TrimSpace(w.Summary),
		AssignedTo: strings.TrimSpace(w.AssignedTo),
		Creator:    strings.TrimSpace(w.Creator),
		QAContact:  strings.TrimSpace(w.QAContact),
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(w.LastChangeTime)); err == nil {
		b.LastChangeTime = t.UTC()
	}
	return b
}
