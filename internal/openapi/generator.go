package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// Version is the version of the token API described by Generate.
const Version = "1.0.0"

// Schema component names.
const (
	errorSchema       = "ErrorResponse"
	summarySchema     = "TokenSummary"
	issuedSchema      = "IssuedToken"
	issueSchema       = "IssueTokenRequest"
	usageRecordSchema = "UsageRecord"
	principalSchema   = "Principal"
)

// Generate builds the OpenAPI document of the personal token API served
// under baseURL.
func Generate(baseURL string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "tokend API",
			Description: "Personal long-lived access tokens: issue, list, revoke and audit.",
			Version:     Version,
		},
		Servers: openapi3.Servers{
			{URL: baseURL},
		},
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["session"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
			Description:  "Short-lived interactive session.",
		},
	}
	doc.Components.SecuritySchemes["personalToken"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "nllm_",
			Description:  "Personal long-lived token.",
		},
	}

	addSchemas(doc)

	doc.Paths = openapi3.NewPaths()
	sessionOnly := &openapi3.SecurityRequirements{{"session": {}}}

	issue := &openapi3.Operation{
		Tags:        []string{"tokens"},
		Summary:     "Issue a personal token",
		Description: "Creates a token for the session owner. The plaintext token is returned in this response only.",
		OperationID: "issue_token",
		Security:    sessionOnly,
		RequestBody: &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content:  openapi3.NewContentWithJSONSchemaRef(ref(issueSchema)),
			},
		},
		Responses: newResponses("201", "Token issued", ref(issuedSchema), "400", "401", "403", "429"),
	}
	issue.Responses.Value("429").Value.Headers = openapi3.Headers{
		"Retry-After": &openapi3.HeaderRef{
			Value: &openapi3.Header{
				Parameter: openapi3.Parameter{
					Description: "Seconds until the issuance window reopens.",
					Schema:      openapi3.NewIntegerSchema().NewRef(),
				},
			},
		},
	}

	doc.Paths.Set("/api/v1/tokens", &openapi3.PathItem{
		Post: issue,
		Get: &openapi3.Operation{
			Tags:        []string{"tokens"},
			Summary:     "List personal tokens",
			Description: "Returns every token of the session owner, oldest first, including revoked and expired ones.",
			OperationID: "list_tokens",
			Security:    sessionOnly,
			Responses:   newResponses("200", "Token list", listOf(summarySchema), "401", "403"),
		},
	})

	doc.Paths.Set("/api/v1/tokens/{id}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{idParameter()},
		Delete: &openapi3.Operation{
			Tags:        []string{"tokens"},
			Summary:     "Revoke a personal token",
			Description: "Permanently revokes the token. Revoking a revoked token succeeds.",
			OperationID: "revoke_token",
			Security:    sessionOnly,
			Responses:   newResponses("204", "Token revoked", nil, "401", "403", "404"),
		},
	})

	doc.Paths.Set("/api/v1/tokens/{id}/usage", &openapi3.PathItem{
		Parameters: openapi3.Parameters{idParameter()},
		Get: &openapi3.Operation{
			Tags:        []string{"tokens"},
			Summary:     "List token usage",
			Description: "Returns recent authentications made with the token, newest first.",
			OperationID: "token_usage",
			Security:    sessionOnly,
			Parameters: openapi3.Parameters{
				&openapi3.ParameterRef{Value: openapi3.NewQueryParameter("limit").
					WithDescription("Maximum records to return (1-500, default 50).").
					WithSchema(openapi3.NewIntegerSchema())},
			},
			Responses: newResponses("200", "Usage records", listOf(usageRecordSchema), "401", "403", "404"),
		},
	})

	doc.Paths.Set("/api/v1/me", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"identity"},
			Summary:     "Describe the caller",
			OperationID: "whoami",
			Security:    &openapi3.SecurityRequirements{{"session": {}}, {"personalToken": {}}},
			Responses:   newResponses("200", "Authenticated principal", ref(principalSchema), "401"),
		},
	})

	return doc
}

func addSchemas(doc *openapi3.T) {
	nullableTime := func(desc string) *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:        &openapi3.Types{"string", "null"},
			Format:      "date-time",
			Description: desc,
		}}
	}
	str := func(desc string) *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Description: desc}}
	}
	metadata := &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:                 &openapi3.Types{"object"},
		Description:          "Free-form string labels (at most 16 entries).",
		AdditionalProperties: openapi3.AdditionalProperties{Schema: openapi3.NewStringSchema().NewRef()},
	}}

	doc.Components.Schemas[errorSchema] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": str(""),
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}

	doc.Components.Schemas[summarySchema] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"id", "name", "prefix", "suffix", "createdAt"},
			Properties: openapi3.Schemas{
				"id":         str("Token identifier."),
				"name":       str("Display name."),
				"prefix":     str("First characters of the token, for recognition."),
				"suffix":     str("Last four characters of the token."),
				"metadata":   metadata,
				"createdAt":  &openapi3.SchemaRef{Value: openapi3.NewDateTimeSchema()},
				"lastUsedAt": nullableTime("Most recent successful use."),
				"expiresAt":  nullableTime("Instant from which the token is rejected."),
				"revokedAt":  nullableTime("Instant the token was revoked."),
			},
		},
	}

	doc.Components.Schemas[issuedSchema] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"token", "credential"},
			Properties: openapi3.Schemas{
				"token":      str("Plaintext token. Shown once."),
				"credential": ref(summarySchema),
			},
		},
	}

	doc.Components.Schemas[issueSchema] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:     &openapi3.Types{"object"},
			Required: []string{"name"},
			Properties: openapi3.Schemas{
				"name": &openapi3.SchemaRef{Value: &openapi3.Schema{
					Type:      &openapi3.Types{"string"},
					MinLength: 1,
					MaxLength: openapi3.Uint64Ptr(100),
				}},
				"expiresAt": nullableTime("Optional expiry; omit for a token that never expires."),
				"metadata":  metadata,
			},
		},
	}

	doc.Components.Schemas[usageRecordSchema] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"id":            str(""),
				"credentialId":  str(""),
				"endpoint":      str("Request path."),
				"sourceAddress": str("Client address."),
				"clientAgent":   str("User-Agent header."),
				"occurredAt":    &openapi3.SchemaRef{Value: openapi3.NewDateTimeSchema()},
			},
		},
	}

	doc.Components.Schemas[principalSchema] = &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"ownerId":      str(""),
				"authMethod":   &openapi3.SchemaRef{Value: openapi3.NewStringSchema().WithEnum("session", "personal_token")},
				"credentialId": str("Set when authenticated with a personal token."),
			},
		},
	}
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func listOf(name string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"resource": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:  &openapi3.Types{"array"},
						Items: ref(name),
					},
				},
				"meta": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"count": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
						},
					},
				},
			},
		},
	}
}

func idParameter() *openapi3.ParameterRef {
	return &openapi3.ParameterRef{Value: openapi3.NewPathParameter("id").
		WithDescription("Token identifier.").
		WithSchema(openapi3.NewStringSchema())}
}

var errorDescriptions = map[string]string{
	"400": "Bad request",
	"401": "Unauthorized",
	"403": "Forbidden",
	"404": "Not found",
	"429": "Too many requests",
}

// newResponses builds a response set with one success entry, the listed
// error statuses and a 500. A nil schema means an empty success body.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef, errorCodes ...string) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Delete("default")

	successDesc := description
	success := &openapi3.Response{Description: &successDesc}
	if schema != nil {
		success.Content = openapi3.NewContentWithJSONSchemaRef(schema)
	}
	responses.Set(statusCode, &openapi3.ResponseRef{Value: success})

	errorRef := ref(errorSchema)
	for _, code := range append(errorCodes, "500") {
		desc := errorDescriptions[code]
		if desc == "" {
			desc = "Internal server error"
		}
		responses.Set(code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}
