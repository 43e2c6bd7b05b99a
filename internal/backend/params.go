package backend

import (
	"strings"

	"github.com/lib/pq"

	"github.com/pgdoorman/pgdoorman/internal/pgerror"
)

// excludedStartupParams are StartupMessage keys that route the
// connection rather than name a GUC, and must never be pushed through a
// SET statement (spec.md §4.C "assign_to").
var excludedStartupParams = map[string]bool{
	"user":        true,
	"database":    true,
	"options":     true,
	"replication": true,
}

// AssignTo reconciles this backend's tracked server_params against a
// newly attached client's StartupMessage parameters, the "assign_to"
// operation of spec.md §4.C. When sync is true, every GUC the client's
// startup parameters carry that differs from what this backend already
// has set is pushed in one SET; when sync is false, only
// application_name is pushed, and only on the very first backend this
// client session is assigned (firstAssignment) — matching real
// application traces without a SET round-trip on every reassignment.
func (c *Conn) AssignTo(startupParams map[string]string, sync, firstAssignment bool) error {
	var sets []string

	if sync {
		for name, value := range startupParams {
			if excludedStartupParams[name] {
				continue
			}
			if c.Params[name] == value {
				continue
			}
			sets = append(sets, setClause(name, value))
			c.Params[name] = value
		}
	} else if firstAssignment {
		if value, ok := startupParams["application_name"]; ok && c.Params["application_name"] != value {
			sets = append(sets, setClause("application_name", value))
			c.Params["application_name"] = value
		}
	}

	if len(sets) == 0 {
		return nil
	}
	if err := c.simpleQuery(strings.Join(sets, " ")); err != nil {
		return pgerror.Fatal(pgerror.CodeConnectionFailure, "assign_to: syncing server parameters: %v", err)
	}
	return nil
}

func setClause(name, value string) string {
	return "SET " + pq.QuoteIdentifier(name) + " = " + pq.QuoteLiteral(value) + ";"
}
