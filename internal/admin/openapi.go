package admin

// openAPIDocument is a hand-written OpenAPI 3.0 description of the admin
// surface, served at <prefix>/openapi.json. Generating this dynamically
// would need a schema-reflection dependency the rest of this codebase has
// no other use for, for a handful of endpoints that change rarely.
const openAPIDocument = `{
  "openapi": "3.0.3",
  "info": {
    "title": "Mnemosyne Admin API",
    "version": "1.0.0",
    "description": "Stats, entry inspection, invalidation, and router control for the Mnemosyne cache. Not authenticated; restrict access at the front-end reverse proxy."
  },
  "paths": {
    "/stats": {
      "get": {
        "summary": "Cache store statistics",
        "responses": { "200": { "description": "Current store.Stats" } }
      }
    },
    "/entry": {
      "get": {
        "summary": "Look up one cached entry",
        "parameters": [
          { "name": "resource_key", "in": "query", "schema": { "type": "string" } },
          { "name": "variant_key", "in": "query", "schema": { "type": "string" } },
          { "name": "url", "in": "query", "schema": { "type": "string" } },
          { "name": "method", "in": "query", "schema": { "type": "string" } },
          { "name": "include_body", "in": "query", "schema": { "type": "boolean" } }
        ],
        "responses": {
          "200": { "description": "Matching entry summary" },
          "404": { "description": "No matching entry" }
        }
      }
    },
    "/invalidate": {
      "post": {
        "summary": "Invalidate by fingerprint, resource URL, host prefix, or globally",
        "responses": { "200": { "description": "Count removed" } }
      }
    },
    "/router": {
      "post": {
        "summary": "Atomically replace the router table",
        "responses": { "200": { "description": "Previous table shape" } }
      }
    },
    "/fallback": {
      "post": {
        "summary": "Atomically replace the fallback origin",
        "responses": { "200": { "description": "New fallback" } }
      }
    }
  }
}
`
