package attribution

import (
	"encoding/json"
	"fmt"
	"strings"
)

type cloudTrailRecord struct {
	EventTime    string        `json:"eventTime"`
	UserIdentity *userIdentity `json:"userIdentity"`
}

type userIdentity struct {
	Type           string          `json:"type"`
	UserName       string          `json:"userName"`
	ARN            string          `json:"arn"`
	SessionContext *sessionContext `json:"sessionContext"`
}

type sessionContext struct {
	SessionIssuer *sessionIssuer `json:"sessionIssuer"`
}

type sessionIssuer struct {
	Type string `json:"type"`
	ARN  string `json:"arn"`
}

// Extract derives the creator identity and creation time from a raw
// CloudTrail event document. Missing fields yield empty values; only a
// document that is not valid JSON is an error.
func Extract(raw []byte) (Identity, error) {
	var rec cloudTrailRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Identity{}, fmt.Errorf("parse cloudtrail event: %w", err)
	}

	id := Identity{
		Kind:      KindUnknown,
		EventTime: rec.EventTime,
	}

	ui := rec.UserIdentity
	if ui == nil {
		return id, nil
	}
	id.RawType = ui.Type

	switch ui.Type {
	case string(KindIAMUser):
		id.Kind = KindIAMUser
		id.UserName = ui.UserName
	case string(KindAssumedRole):
		id.Kind = KindAssumedRole
		if ui.SessionContext == nil || ui.SessionContext.SessionIssuer == nil {
			break
		}
		issuer := ui.SessionContext.SessionIssuer
		if issuer.Type != "Role" {
			break
		}
		id.RoleName = lastSegment(issuer.ARN)
		if ui.ARN != "" {
			id.AssumedUserID = lastSegment(ui.ARN)
		}
	}

	return id, nil
}

// lastSegment returns the text after the final "/", or s when it has none.
func lastSegment(s string) string {
	return s[strings.LastIndex(s, "/")+1:]
}
