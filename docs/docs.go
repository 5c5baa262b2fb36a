// Package docs holds the OpenAPI description served under /swagger.
// go generate ./cmd/autotrader rebuilds it from the handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/healthz": {
            "get": {
                "tags": [
                    "health"
                ],
                "summary": "Health check",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "type": "object",
                            "additionalProperties": {
                                "type": "string"
                            }
                        }
                    }
                }
            }
        },
        "/readyz": {
            "get": {
                "tags": [
                    "health"
                ],
                "summary": "Readiness check",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "type": "object",
                            "additionalProperties": {
                                "type": "string"
                            }
                        }
                    },
                    "503": {
                        "description": "Service Unavailable",
                        "schema": {
                            "type": "object",
                            "additionalProperties": {
                                "type": "string"
                            }
                        }
                    }
                }
            }
        },
        "/api/v1/positions": {
            "get": {
                "tags": [
                    "positions"
                ],
                "summary": "List positions",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "PENDING|OPENED|CLOSED",
                        "name": "status",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "instrument epic",
                        "name": "instrument",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "strategy name",
                        "name": "strategy",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "opened_at|exited_at|created_at",
                        "name": "order_by",
                        "in": "query"
                    },
                    {
                        "type": "string",
                        "description": "asc|desc",
                        "name": "order",
                        "in": "query"
                    },
                    {
                        "type": "integer",
                        "description": "page size",
                        "name": "limit",
                        "in": "query"
                    },
                    {
                        "type": "integer",
                        "description": "offset",
                        "name": "offset",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    }
                }
            },
            "post": {
                "tags": [
                    "positions"
                ],
                "summary": "Place an order and track it as a pending position",
                "produces": [
                    "application/json"
                ],
                "consumes": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "description": "order",
                        "name": "body",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/handler.openPositionRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    },
                    "400": {
                        "description": "Bad Request",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    },
                    "502": {
                        "description": "Bad Gateway",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    }
                }
            }
        },
        "/api/v1/positions/{id}": {
            "get": {
                "tags": [
                    "positions"
                ],
                "summary": "Get position",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "position id",
                        "name": "id",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    },
                    "404": {
                        "description": "Not Found",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    }
                }
            }
        },
        "/api/v1/reports/{instrument}": {
            "get": {
                "tags": [
                    "reports"
                ],
                "summary": "Latest performance report for an instrument",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "instrument epic",
                        "name": "instrument",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    },
                    "404": {
                        "description": "Not Found",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    }
                }
            }
        },
        "/api/v1/reports/{instrument}/generate": {
            "post": {
                "tags": [
                    "reports"
                ],
                "summary": "Regenerate the performance report for an instrument",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "instrument epic",
                        "name": "instrument",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    },
                    "404": {
                        "description": "Not Found",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    }
                }
            }
        },
        "/api/v1/subscriptions": {
            "get": {
                "tags": [
                    "market"
                ],
                "summary": "Current price subscriptions",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    }
                }
            }
        },
        "/api/v1/calendar/{instrument}": {
            "get": {
                "tags": [
                    "market"
                ],
                "summary": "Check whether an instrument trades at an instant",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "instrument epic",
                        "name": "instrument",
                        "in": "path",
                        "required": true
                    },
                    {
                        "type": "string",
                        "description": "RFC3339 instant, default now",
                        "name": "at",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    },
                    "400": {
                        "description": "Bad Request",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    },
                    "404": {
                        "description": "Not Found",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    }
                }
            }
        },
        "/api/v1/prices": {
            "get": {
                "tags": [
                    "market"
                ],
                "summary": "Recent price snapshots",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "instrument epic",
                        "name": "instrument",
                        "in": "query",
                        "required": true
                    },
                    {
                        "type": "string",
                        "description": "MINUTE..MONTH",
                        "name": "resolution",
                        "in": "query",
                        "required": true
                    },
                    {
                        "type": "integer",
                        "description": "page size",
                        "name": "limit",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    },
                    "400": {
                        "description": "Bad Request",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    }
                }
            }
        },
        "/api/v1/stream/prices": {
            "get": {
                "tags": [
                    "market"
                ],
                "summary": "Price event stream (websocket)",
                "parameters": [
                    {
                        "type": "string",
                        "description": "comma separated instruments; empty streams all",
                        "name": "instrument",
                        "in": "query"
                    }
                ],
                "responses": {}
            }
        },
        "/api/v1/jobs": {
            "get": {
                "tags": [
                    "jobs"
                ],
                "summary": "List scheduled jobs",
                "produces": [
                    "application/json"
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    }
                }
            }
        },
        "/api/v1/jobs/{name}/run": {
            "post": {
                "tags": [
                    "jobs"
                ],
                "summary": "Trigger a job now",
                "produces": [
                    "application/json"
                ],
                "parameters": [
                    {
                        "type": "string",
                        "description": "job name",
                        "name": "name",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "202": {
                        "description": "Accepted",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    },
                    "404": {
                        "description": "Not Found",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    },
                    "409": {
                        "description": "Conflict",
                        "schema": {
                            "$ref": "#/definitions/handler.apiResponse"
                        }
                    }
                }
            }
        }
    },
    "definitions": {
        "handler.apiResponse": {
            "type": "object",
            "properties": {
                "code": {
                    "type": "integer"
                },
                "data": {},
                "message": {
                    "type": "string"
                },
                "meta": {
                    "type": "object",
                    "additionalProperties": true
                }
            }
        },
        "handler.openPositionRequest": {
            "type": "object",
            "required": [
                "direction",
                "instrument"
            ],
            "properties": {
                "currency": {
                    "type": "string"
                },
                "direction": {
                    "type": "string"
                },
                "entry_price": {
                    "type": "number"
                },
                "instrument": {
                    "type": "string"
                },
                "rationale": {
                    "type": "object",
                    "additionalProperties": true
                },
                "risk_amount": {
                    "type": "number"
                },
                "size": {
                    "type": "number"
                },
                "stop_loss": {
                    "type": "number"
                },
                "strategy": {
                    "type": "string"
                },
                "take_profit": {
                    "type": "number"
                }
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "autotrader API",
	Description:      "Operations API for the position reconciler, price collector and performance reports.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
