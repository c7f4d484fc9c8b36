package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"intentescrow/internal/domain"
	"intentescrow/internal/engine"
	"intentescrow/internal/ledger"
	"intentescrow/internal/repo"
	"intentescrow/internal/signing"
)

// Config for the HTTP API handler.
type Config struct {
	Engine *engine.Engine
	// Book enables the /ledger routes when set.
	Book     *ledger.Book
	BasePath string
	Auth     AuthConfig
	// AllowMint exposes POST /ledger/mint as a faucet.
	AllowMint bool
	Logger    *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"exceeds_max_per_intent"`
	Message string         `json:"message" example:"ExceedsMaxPerIntent: amount 7 above cap 5"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the escrow API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request; 422 is kept for policy rejections.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Intent Escrow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerLogin(group, cfg.Auth)
	registerMe(group)
	registerPolicy(group, cfg.Engine)
	registerBalances(group, cfg.Engine)
	registerIntents(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	if cfg.Book != nil {
		registerLedger(group, cfg.Book, cfg.AllowMint)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if kind := engine.KindOf(err); kind != "" {
		return newAPIError(statusForKind(kind), kind.Code(), err.Error(), map[string]any{"kind": string(kind)})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, ledger.ErrInvalidAmount) {
		return newAPIError(http.StatusBadRequest, engine.KindInvalidAmount.Code(), err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func statusForKind(k engine.Kind) int {
	switch k {
	case engine.KindInvalidAddress, engine.KindInvalidAmount, engine.KindBadSignature:
		return http.StatusBadRequest
	case engine.KindIntentNotFound:
		return http.StatusNotFound
	case engine.KindNotOwner, engine.KindNotRecipient:
		return http.StatusForbidden
	case engine.KindIntentAlreadyExists, engine.KindNonceAlreadyUsed,
		engine.KindAlreadyClaimed, engine.KindNotClaimed,
		engine.KindAlreadyFinalized, engine.KindAlreadyCanceled,
		engine.KindIntentIsDisputed, engine.KindNotDisputed,
		engine.KindReentrantCall:
		return http.StatusConflict
	case engine.KindTransferFailed:
		return http.StatusBadGateway
	default:
		// Policy, balance and clock rejections.
		return http.StatusUnprocessableEntity
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Intent Escrow API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; (see POST /auth/login) or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

type statusOutput struct {
	Body map[string]string `json:"body"`
}

type policyOutput struct {
	Body PolicyResponse `json:"body"`
}

type allowlistOutput struct {
	Body AllowlistResponse `json:"body"`
}

type balanceOutput struct {
	Body BalanceResponse `json:"body"`
}

type intentOutput struct {
	Body IntentResponse `json:"body"`
}

type intentListOutput struct {
	Body []IntentResponse `json:"body"`
}

type intentPath struct {
	Hash string `path:"hash" pattern:"^0x[0-9a-fA-F]{64}$"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
		return &statusOutput{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerLogin(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange a signed login message for a bearer token",
		Description: "Sign `intentescrow login\\naddress: <checksummed address>\\nissued_at: <unix seconds>` as an EIP-191 personal message.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(authCfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusServiceUnavailable, "login_disabled", "token login is not configured", nil)
		}
		addr, err := domain.ParseAddress(input.Body.Address)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_address", err.Error(), nil)
		}
		sig, err := signing.ParseSignature(input.Body.Signature)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_signature", err.Error(), nil)
		}
		issued := time.Unix(input.Body.IssuedAt, 0)
		if d := authCfg.now().Sub(issued); d > loginSkew || d < -loginSkew {
			return nil, newAPIError(http.StatusUnauthorized, "login_expired", "login message issued_at outside the accepted window", map[string]any{"issued_at": input.Body.IssuedAt})
		}
		signer, err := signing.RecoverText(signing.LoginMessage(addr, input.Body.IssuedAt), sig)
		if err != nil || signer != addr {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		token, exp, err := issueToken(authCfg, addr)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		authCfg.logger().Info("token issued", zap.String("address", addr.Hex()))
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, ExpiresAt: exp.Unix()}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{Address: principal.Address.Hex(), Source: principal.Source}}, nil
	})
}

func registerPolicy(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-policy",
		Method:      http.MethodPut,
		Path:        "/policy",
		Summary:     "Set the caller's policy",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body PolicyRequest `json:"body"`
	}) (*policyOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SetPolicy(ctx, caller, input.Body.MaxPerIntent, input.Body.TimelockSeconds, input.Body.DisputeWindowSeconds)
		if err != nil {
			return nil, handleError(err)
		}
		return &policyOutput{Body: policyResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/owners/{owner}/policy",
		Summary:     "Get an owner's policy",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Owner string `path:"owner"`
	}) (*policyOutput, error) {
		owner, perr := pathAddress("owner", input.Owner)
		if perr != nil {
			return nil, perr
		}
		p, err := e.GetPolicy(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &policyOutput{Body: policyResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-recipient-allowed",
		Method:      http.MethodPut,
		Path:        "/allowlist/{recipient}",
		Summary:     "Allow or disallow a recipient for the caller",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Recipient string           `path:"recipient"`
		Body      AllowlistRequest `json:"body"`
	}) (*allowlistOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		recipient, perr := pathAddress("recipient", input.Recipient)
		if perr != nil {
			return nil, perr
		}
		if err := e.SetRecipientAllowed(ctx, caller, recipient, input.Body.Allowed); err != nil {
			return nil, handleError(err)
		}
		return &allowlistOutput{Body: AllowlistResponse{
			Owner:     caller.Hex(),
			Recipient: recipient.Hex(),
			Allowed:   input.Body.Allowed,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "is-recipient-allowed",
		Method:      http.MethodGet,
		Path:        "/owners/{owner}/allowlist/{recipient}",
		Summary:     "Check an owner's allowlist",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Owner     string `path:"owner"`
		Recipient string `path:"recipient"`
	}) (*allowlistOutput, error) {
		owner, perr := pathAddress("owner", input.Owner)
		if perr != nil {
			return nil, perr
		}
		recipient, perr := pathAddress("recipient", input.Recipient)
		if perr != nil {
			return nil, perr
		}
		ok, err := e.IsRecipientAllowed(ctx, owner, recipient)
		if err != nil {
			return nil, handleError(err)
		}
		return &allowlistOutput{Body: AllowlistResponse{
			Owner:     owner.Hex(),
			Recipient: recipient.Hex(),
			Allowed:   ok,
		}}, nil
	})
}

func registerBalances(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "deposit",
		Method:      http.MethodPost,
		Path:        "/deposits",
		Summary:     "Pull tokens from the caller into escrow",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body AmountRequest `json:"body"`
	}) (*balanceOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Deposit(ctx, caller, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &balanceOutput{Body: balanceResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw",
		Method:      http.MethodPost,
		Path:        "/withdrawals",
		Summary:     "Return available tokens to the caller",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body AmountRequest `json:"body"`
	}) (*balanceOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Withdraw(ctx, caller, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &balanceOutput{Body: balanceResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-balance",
		Method:      http.MethodGet,
		Path:        "/owners/{owner}/balance",
		Summary:     "Deposited, locked and available amounts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Owner string `path:"owner"`
	}) (*balanceOutput, error) {
		owner, perr := pathAddress("owner", input.Owner)
		if perr != nil {
			return nil, perr
		}
		b, err := e.Balance(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &balanceOutput{Body: balanceResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "is-nonce-used",
		Method:      http.MethodGet,
		Path:        "/owners/{owner}/nonces/{nonce}",
		Summary:     "Check whether a nonce has been consumed",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Owner string `path:"owner"`
		Nonce uint64 `path:"nonce"`
	}) (*struct {
		Body NonceResponse `json:"body"`
	}, error) {
		owner, perr := pathAddress("owner", input.Owner)
		if perr != nil {
			return nil, perr
		}
		used, err := e.IsNonceUsed(ctx, owner, input.Nonce)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NonceResponse `json:"body"`
		}{Body: NonceResponse{Owner: owner.Hex(), Nonce: input.Nonce, Used: used}}, nil
	})
}

func registerIntents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "hash-intent",
		Method:      http.MethodPost,
		Path:        "/intents/hash",
		Summary:     "Compute the EIP-712 digest an owner must sign",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body HashIntentRequest `json:"body"`
	}) (*struct {
		Body HashIntentResponse `json:"body"`
	}, error) {
		in, err := input.Body.Intent.intent()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		h, err := e.HashIntent(in)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body HashIntentResponse `json:"body"`
		}{Body: HashIntentResponse{Hash: h.Hex()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-intent",
		Method:        http.MethodPost,
		Path:          "/intents",
		Summary:       "Submit a signed intent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitIntentRequest `json:"body"`
	}) (*intentOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := input.Body.Intent.intent()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		sig, err := signing.ParseSignature(input.Body.Signature)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, engine.KindBadSignature.Code(), err.Error(), nil)
		}
		rec, err := e.CreateIntent(ctx, caller, in, sig)
		if err != nil {
			return nil, handleError(err)
		}
		return &intentOutput{Body: intentResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-intents",
		Method:      http.MethodGet,
		Path:        "/intents",
		Summary:     "List intents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Owner     string `query:"owner"`
		Recipient string `query:"recipient"`
		State     string `query:"state" enum:"created,claimed,disputed,finalized,canceled"`
		Limit     int    `query:"limit" default:"50"`
	}) (*intentListOutput, error) {
		f := repo.IntentFilters{State: input.State, Limit: normalizeLimit(input.Limit)}
		if input.Owner != "" {
			owner, perr := pathAddress("owner", input.Owner)
			if perr != nil {
				return nil, perr
			}
			f.Owner = &owner
		}
		if input.Recipient != "" {
			recipient, perr := pathAddress("recipient", input.Recipient)
			if perr != nil {
				return nil, perr
			}
			f.Recipient = &recipient
		}
		recs, err := e.ListIntents(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]IntentResponse, 0, len(recs))
		for _, r := range recs {
			out = append(out, intentResponse(r))
		}
		return &intentListOutput{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intent",
		Method:      http.MethodGet,
		Path:        "/intents/{hash}",
		Summary:     "Get an intent record",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *intentPath) (*intentOutput, error) {
		h, perr := pathHash(input.Hash)
		if perr != nil {
			return nil, perr
		}
		rec, err := e.GetIntent(ctx, h)
		if err != nil {
			return nil, handleError(err)
		}
		return &intentOutput{Body: intentResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-intent",
		Method:      http.MethodPost,
		Path:        "/intents/{hash}/claim",
		Summary:     "Recipient claims an intent",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		Hash string        `path:"hash" pattern:"^0x[0-9a-fA-F]{64}$"`
		Body *ClaimRequest `json:"body"`
	}) (*intentOutput, error) {
		var evidence common.Hash
		if input.Body != nil && input.Body.EvidenceHash != "" {
			parsed, err := domain.ParseHash(input.Body.EvidenceHash)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			evidence = parsed
		}
		return lifecycle(ctx, input.Hash, func(caller common.Address, h common.Hash) (domain.IntentRecord, error) {
			return e.ClaimIntent(ctx, caller, h, evidence)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-intent",
		Method:      http.MethodPost,
		Path:        "/intents/{hash}/cancel",
		Summary:     "Owner cancels an intent",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *intentPath) (*intentOutput, error) {
		return lifecycle(ctx, input.Hash, func(caller common.Address, h common.Hash) (domain.IntentRecord, error) {
			return e.CancelIntent(ctx, caller, h)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-intent",
		Method:      http.MethodPost,
		Path:        "/intents/{hash}/dispute",
		Summary:     "Owner disputes a claimed intent",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *intentPath) (*intentOutput, error) {
		return lifecycle(ctx, input.Hash, func(caller common.Address, h common.Hash) (domain.IntentRecord, error) {
			return e.DisputeIntent(ctx, caller, h)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/intents/{hash}/resolve",
		Summary:     "Owner resolves a dispute by paying out or canceling",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *struct {
		Hash string         `path:"hash" pattern:"^0x[0-9a-fA-F]{64}$"`
		Body ResolveRequest `json:"body"`
	}) (*intentOutput, error) {
		return lifecycle(ctx, input.Hash, func(caller common.Address, h common.Hash) (domain.IntentRecord, error) {
			return e.ResolveDispute(ctx, caller, h, input.Body.PayOut)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-intent",
		Method:      http.MethodPost,
		Path:        "/intents/{hash}/finalize",
		Summary:     "Pay out a claimed intent once its timelock has elapsed",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *intentPath) (*intentOutput, error) {
		return lifecycle(ctx, input.Hash, func(caller common.Address, h common.Hash) (domain.IntentRecord, error) {
			return e.FinalizeIntent(ctx, caller, h)
		})
	})
}

var lifecycleErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusBadGateway,
}

// lifecycle resolves the caller and the path hash, then runs one state transition.
func lifecycle(ctx context.Context, rawHash string, fn func(caller common.Address, h common.Hash) (domain.IntentRecord, error)) (*intentOutput, error) {
	caller, authErr := callerFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	h, perr := pathHash(rawHash)
	if perr != nil {
		return nil, perr
	}
	rec, err := fn(caller, h)
	if err != nil {
		return nil, handleError(err)
	}
	return &intentOutput{Body: intentResponse(rec)}, nil
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Owner      string `query:"owner"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"policy,allowlist,balance,intent,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		f := repo.EventFilters{Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID}
		if input.Owner != "" {
			owner, perr := pathAddress("owner", input.Owner)
			if perr != nil {
				return nil, perr
			}
			f.Owner = owner.Hex()
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-events",
		Method:      http.MethodGet,
		Path:        "/events/verify",
		Summary:     "Verify the event log hash chain",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body VerifyLogResponse `json:"body"`
	}, error) {
		n, err := e.VerifyLog(ctx)
		resp := VerifyLogResponse{Events: n, OK: err == nil}
		if err != nil {
			resp.Error = err.Error()
		}
		return &struct {
			Body VerifyLogResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key bound to the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body *APIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var name string
		if input.Body != nil {
			name = input.Body.Name
		}
		key, secret, err := e.CreateAPIKey(ctx, caller, name)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = secret
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List the caller's API keys",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke one of the caller's API keys",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, caller, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLedger(api huma.API, book *ledger.Book, allowMint bool) {
	type accountOutput struct {
		Body LedgerAccountResponse `json:"body"`
	}
	account := func(ctx context.Context, addr common.Address) (*accountOutput, error) {
		bal, err := book.BalanceOf(ctx, addr)
		if err != nil {
			return nil, handleError(err)
		}
		allowance, err := book.Allowance(ctx, addr)
		if err != nil {
			return nil, handleError(err)
		}
		return &accountOutput{Body: LedgerAccountResponse{Address: addr.Hex(), Balance: bal, Allowance: allowance}}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "ledger-account",
		Method:      http.MethodGet,
		Path:        "/ledger/accounts/{address}",
		Summary:     "Token balance and escrow allowance",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Address string `path:"address"`
	}) (*accountOutput, error) {
		addr, perr := pathAddress("address", input.Address)
		if perr != nil {
			return nil, perr
		}
		return account(ctx, addr)
	})

	huma.Register(api, huma.Operation{
		OperationID: "ledger-approve",
		Method:      http.MethodPost,
		Path:        "/ledger/approve",
		Summary:     "Set the escrow account's allowance over the caller's tokens",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body AmountRequest `json:"body"`
	}) (*accountOutput, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := book.Approve(ctx, caller, input.Body.Amount); err != nil {
			return nil, handleError(err)
		}
		return account(ctx, caller)
	})

	if !allowMint {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "ledger-mint",
		Method:      http.MethodPost,
		Path:        "/ledger/mint",
		Summary:     "Faucet: mint tokens to an address",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body MintRequest `json:"body"`
	}) (*accountOutput, error) {
		if _, authErr := callerFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		to, perr := pathAddress("to", input.Body.To)
		if perr != nil {
			return nil, perr
		}
		if err := book.Mint(ctx, to, input.Body.Amount); err != nil {
			return nil, handleError(err)
		}
		return account(ctx, to)
	})
}

func pathAddress(name, raw string) (common.Address, huma.StatusError) {
	addr, err := domain.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return common.Address{}, newAPIError(http.StatusBadRequest, "invalid_address", err.Error(), map[string]any{"field": name})
	}
	return addr, nil
}

func pathHash(raw string) (common.Hash, huma.StatusError) {
	h, err := domain.ParseHash(strings.TrimSpace(raw))
	if err != nil {
		return common.Hash{}, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "hash"})
	}
	return h, nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
