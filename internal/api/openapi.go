package api

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/rota/internal/roster"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one submit operation
// per capability currently advertised on the roster.
func buildOpenAPIDoc(workers []roster.Entry) map[string]any {
	offeredBy := map[string][]string{}
	for _, w := range workers {
		for _, c := range w.Capabilities {
			offeredBy[c] = append(offeredBy[c], w.ID)
		}
	}

	capabilities := make([]string, 0, len(offeredBy))
	for c := range offeredBy {
		capabilities = append(capabilities, c)
	}
	sort.Strings(capabilities)

	paths := map[string]any{}
	for _, c := range capabilities {
		paths[fmt.Sprintf("/jobs/%s", c)] = map[string]any{
			"post": buildSubmitOperation(c, offeredBy[c]),
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "rota dispatcher",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func buildSubmitOperation(capability string, workerIDs []string) map[string]any {
	return map[string]any{
		"operationId": "submit__" + capability,
		"summary":     fmt.Sprintf("Run a %s job (offered by %d worker(s))", capability, len(workerIDs)),
		"tags":        []string{capability},
		"requestBody": map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{"schema": map[string]any{}},
			},
		},
		"responses": map[string]any{
			"200": map[string]any{"description": "Worker result"},
			"400": map[string]any{"description": "Invalid JSON payload"},
			"403": map[string]any{"description": "Insufficient scope"},
			"502": map[string]any{"description": "Worker failed"},
			"503": map[string]any{"description": "No staff available"},
		},
		"security": []any{map[string]any{"BearerAuth": []string{}}},
	}
}
