// Package docs registers the swagger spec for the entitlement core's HTTP
// surface. Hand-authored rather than swag-generated: the annotations on
// the httpapi handlers describe the intended contract, and this file is
// what http-swagger serves them from.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{.Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/reading": {
            "post": {
                "tags": ["reading"],
                "summary": "Request a tarot reading",
                "responses": {
                    "200": {"description": "reading admitted"},
                    "402": {"description": "insufficient turns"},
                    "429": {"description": "rate limit exceeded"}
                }
            }
        },
        "/payments/submit": {
            "post": {
                "tags": ["payments"],
                "summary": "Submit an on-chain payment for verification and credit",
                "responses": {
                    "200": {"description": "submission processed"}
                }
            }
        },
        "/tasks/status/{id}": {
            "get": {
                "tags": ["tasks"],
                "summary": "Get background task status",
                "responses": {"200": {"description": "task status"}}
            }
        },
        "/tasks/cancel/{id}": {
            "delete": {
                "tags": ["tasks"],
                "summary": "Cancel a background task",
                "responses": {"200": {"description": "cancellation result"}}
            }
        },
        "/tasks/active": {
            "get": {
                "tags": ["tasks"],
                "summary": "List in-progress background tasks",
                "responses": {"200": {"description": "active tasks"}}
            }
        },
        "/tasks/workers": {
            "get": {
                "tags": ["tasks"],
                "summary": "Per-queue worker health snapshot",
                "responses": {"200": {"description": "worker stats"}}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Arcana Entitlement API",
	Description:      "Turn ledger, payment verification and background task API for the tarot entitlement core.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
