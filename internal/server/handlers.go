package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vidforge/vidforge/internal/asset"
	"github.com/vidforge/vidforge/internal/idgen"
	"github.com/vidforge/vidforge/internal/ledger"
	"github.com/vidforge/vidforge/internal/logging"
	"github.com/vidforge/vidforge/internal/operation"
	"github.com/vidforge/vidforge/internal/queue"
	"github.com/vidforge/vidforge/internal/retry"
	"github.com/vidforge/vidforge/internal/storage"
	"github.com/vidforge/vidforge/internal/submit"
	"github.com/vidforge/vidforge/internal/transcoder"
	"github.com/vidforge/vidforge/internal/user"
)

// contextKeyUser is the gin context key for the authenticated user.
const contextKeyUser = "user"

// -----------------------------------------------------------------------------
// Identity
// -----------------------------------------------------------------------------

// identityMiddleware resolves the caller from the X-User-ID header set by the
// fronting gateway after session validation. Requests without a resolvable
// user never reach a handler.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-User-ID header required.",
			})
			return
		}
		u, err := s.users.Get(c.Request.Context(), userID)
		if errors.Is(err, user.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Unknown user.",
			})
			return
		}
		if err != nil {
			s.writeError(c, err)
			c.Abort()
			return
		}
		c.Set(contextKeyUser, u)
		c.Next()
	}
}

// adminMiddleware checks the X-Admin-Secret header. With no secret configured
// admin access is open outside production and closed inside it.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Admin access is not configured.",
				})
				return
			}
			c.Next()
			return
		}
		secret := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}
		c.Next()
	}
}

// currentUser returns the user set by identityMiddleware. Only call behind it.
func currentUser(c *gin.Context) *user.User {
	u, _ := c.Get(contextKeyUser)
	return u.(*user.User)
}

// -----------------------------------------------------------------------------
// Uploads & assets
// -----------------------------------------------------------------------------

// uploadFormats lists the accepted source containers per asset kind.
var uploadFormats = map[asset.Kind]map[string]bool{
	asset.KindVideo: {"mp4": true, "webm": true, "mov": true, "avi": true, "mkv": true},
	asset.KindImage: {"jpeg": true, "jpg": true, "png": true, "webp": true, "avif": true},
}

// uploadAsset streams the raw request body to disk. The original filename
// travels in the "filename" header; the extension decides the stored format.
func (s *Server) uploadAsset(kind asset.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		u := currentUser(c)
		ctx := c.Request.Context()

		filename := filepath.Base(c.GetHeader("filename"))
		if filename == "" || filename == "." {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "filename header required.",
			})
			return
		}
		format := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
		if !uploadFormats[kind][format] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unsupported_format",
				"message": fmt.Sprintf("unsupported %s format %q", kind, format),
			})
			return
		}

		id := asset.NewID(kind)
		size, err := s.files.SaveSource(id, format, c.Request.Body, s.cfg.MaxUpload(string(u.Tier)))
		if err != nil {
			s.writeError(c, err)
			return
		}
		if size == 0 {
			s.files.RemoveAsset(id)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "empty upload.",
			})
			return
		}

		src := s.files.SourcePath(id, format)
		width, height, err := s.runner.Probe(ctx, src)
		if err != nil {
			// Dimensions stay zero; crop bounds then go unchecked for this asset.
			logging.L(ctx).Warn("probe failed", "asset_id", id, "error", err)
		}
		if kind == asset.KindVideo {
			err := s.runner.Run(ctx, transcoder.Request{
				Args:    transcoder.ThumbnailArgs(src, s.files.ThumbnailPath(id)),
				Timeout: 30 * time.Second,
			})
			if err != nil {
				logging.L(ctx).Warn("thumbnail generation failed", "asset_id", id, "error", err)
			}
		}

		a := &asset.Asset{
			ID:        id,
			UserID:    u.ID,
			Kind:      kind,
			Name:      filename,
			Format:    format,
			Width:     width,
			Height:    height,
			SizeBytes: size,
		}
		if err := s.assets.Create(ctx, a); err != nil {
			s.files.RemoveAsset(id)
			s.writeError(c, err)
			return
		}
		logging.L(ctx).Info("asset uploaded",
			"asset_id", id, "user_id", u.ID, "format", format, "size_bytes", size)

		dimensions := ""
		if width > 0 && height > 0 {
			dimensions = fmt.Sprintf("%dx%d", width, height)
		}
		idKey := "videoId"
		if kind == asset.KindImage {
			idKey = "imageId"
		}
		c.JSON(http.StatusCreated, gin.H{
			idKey:        a.ID,
			"name":       a.Name,
			"dimensions": dimensions,
		})
	}
}

func (s *Server) listAssets(kind asset.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		u := currentUser(c)
		assets, err := s.assets.ListByUser(c.Request.Context(), u.ID, kind)
		if err != nil {
			s.writeError(c, err)
			return
		}
		key := "videos"
		if kind == asset.KindImage {
			key = "images"
		}
		c.JSON(http.StatusOK, gin.H{key: assets})
	}
}

// streamAsset serves a stored file: the original, the upload-time thumbnail,
// extracted audio, or a derived output addressed by its parameters. Derived
// outputs never change once written, so they get an aggressive cache policy.
func (s *Server) streamAsset(c *gin.Context) {
	u := currentUser(c)
	a, err := s.assetFromQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := asset.CheckOwner(a, u.ID); err != nil {
		s.writeError(c, err)
		return
	}

	variant := c.DefaultQuery("type", "original")
	var path, contentType string
	switch variant {
	case "original":
		path = s.files.SourcePath(a.ID, a.Format)
		contentType = storage.MIMEType(a.Format)
	case "thumbnail":
		if a.Kind != asset.KindVideo {
			s.invalidRequest(c, "thumbnails exist for videos only")
			return
		}
		path = s.files.ThumbnailPath(a.ID)
		contentType = storage.MIMEType("jpg")
	case "audio":
		if a.Kind != asset.KindVideo {
			s.invalidRequest(c, "audio exists for videos only")
			return
		}
		path = s.files.AudioPath(a.ID)
		contentType = storage.MIMEType("mp3")
	case "resize":
		w, h, err := parseDimensions(c.Query("dimensions"))
		if err != nil {
			s.invalidRequest(c, err.Error())
			return
		}
		t := operation.TypeResize
		if a.Kind == asset.KindImage {
			t = operation.TypeResizeImage
		}
		path = s.files.DerivedPath(a.ID, t, operation.Params{Width: w, Height: h}, a.Format)
		contentType = storage.MIMEType(a.Format)
	case "converted":
		format := strings.ToLower(c.Query("format"))
		if format == "" {
			s.invalidRequest(c, "format parameter required")
			return
		}
		t := operation.TypeConvert
		if a.Kind == asset.KindImage {
			t = operation.TypeConvertImage
		}
		path = s.files.DerivedPath(a.ID, t, operation.Params{Format: format}, a.Format)
		contentType = storage.MIMEType(format)
	case "crop":
		if a.Kind != asset.KindVideo {
			s.invalidRequest(c, "crop outputs exist for videos only")
			return
		}
		w, h, err := parseDimensions(c.Query("dimensions"))
		if err != nil {
			s.invalidRequest(c, err.Error())
			return
		}
		x := queryInt(c, "x", 0, 0)
		y := queryInt(c, "y", 0, 0)
		path = s.files.DerivedPath(a.ID, operation.TypeCrop,
			operation.Params{X: x, Y: y, CropWidth: w, CropHeight: h}, a.Format)
		contentType = storage.MIMEType(a.Format)
	default:
		s.invalidRequest(c, fmt.Sprintf("unknown asset type %q", variant))
		return
	}

	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		s.writeError(c, storage.ErrMissing)
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Content-Type", contentType)
	c.Header("ETag", storage.ETag(fi))
	if variant != "original" {
		c.Header("Cache-Control", "public, max-age=86400, immutable")
	}
	c.File(path)
}

// deleteAsset removes the asset row, its operations, and its files.
func (s *Server) deleteAsset(c *gin.Context) {
	u := currentUser(c)
	ctx := c.Request.Context()
	a, err := s.assetFromQuery(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := asset.CheckOwner(a, u.ID); err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.assets.Delete(ctx, a.ID); err != nil {
		s.writeError(c, err)
		return
	}
	// Row is gone; a leftover directory is invisible to the API and cheap.
	if err := s.files.RemoveAsset(a.ID); err != nil {
		logging.L(ctx).Error("failed to remove asset files", "asset_id", a.ID, "error", err)
	}
	logging.L(ctx).Info("asset deleted", "asset_id", a.ID, "user_id", u.ID)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// assetFromQuery resolves the videoId/imageId query parameter to an asset.
func (s *Server) assetFromQuery(c *gin.Context) (*asset.Asset, error) {
	id := c.Query("videoId")
	if id == "" {
		id = c.Query("imageId")
	}
	if id == "" {
		return nil, fmt.Errorf("%w: videoId or imageId parameter required", operation.ErrInvalidParams)
	}
	return s.assets.Get(c.Request.Context(), id)
}

// -----------------------------------------------------------------------------
// Operations
// -----------------------------------------------------------------------------

// operationRequest is the body shared by all submission endpoints. Each
// operation type reads its own parameter group.
type operationRequest struct {
	VideoID    string `json:"videoId"`
	ImageID    string `json:"imageId"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Format     string `json:"format"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	CropWidth  int    `json:"cropWidth"`
	CropHeight int    `json:"cropHeight"`
	RequestID  string `json:"requestId"`
}

func (r operationRequest) assetID() string {
	if r.VideoID != "" {
		return r.VideoID
	}
	return r.ImageID
}

// requestID returns the client's idempotency key: the body field when given,
// otherwise a client-supplied X-Request-ID header. A generated trace id does
// not count; it changes per request.
func (r operationRequest) requestID(c *gin.Context) string {
	if r.RequestID != "" {
		return r.RequestID
	}
	return c.GetHeader("X-Request-ID")
}

// submitOperation validates, reserves credits, and enqueues a job for the
// given operation type. The response reports acceptance; completion arrives
// on the WebSocket and in the operations list.
func (s *Server) submitOperation(opType operation.Type) gin.HandlerFunc {
	return func(c *gin.Context) {
		u := currentUser(c)
		var req operationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.invalidRequest(c, "invalid JSON body")
			return
		}
		if req.assetID() == "" {
			s.invalidRequest(c, "videoId or imageId required")
			return
		}

		op, err := s.submit.Submit(c.Request.Context(), submit.Request{
			UserID:  u.ID,
			AssetID: req.assetID(),
			Type:    opType,
			Params: operation.Params{
				Width:      req.Width,
				Height:     req.Height,
				Format:     req.Format,
				X:          req.X,
				Y:          req.Y,
				CropWidth:  req.CropWidth,
				CropHeight: req.CropHeight,
			},
			RequestID: req.requestID(c),
		})
		if err != nil {
			s.writeError(c, err)
			return
		}

		message := fmt.Sprintf("%s queued", opType)
		if op.Status != operation.StatusPending {
			message = fmt.Sprintf("%s already %s", opType, op.Status)
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      op.Status,
			"message":     message,
			"operationId": op.ID,
		})
	}
}

// extractAudio runs synchronously: audio tracks come out fast enough that a
// queue round-trip buys nothing. Billing is a direct deduction; a failed
// extraction refunds it.
func (s *Server) extractAudio(c *gin.Context) {
	u := currentUser(c)
	ctx := c.Request.Context()

	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.invalidRequest(c, "invalid JSON body")
		return
	}
	if req.assetID() == "" {
		s.invalidRequest(c, "videoId required")
		return
	}

	a, err := s.assets.Get(ctx, req.assetID())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := asset.CheckOwner(a, u.ID); err != nil {
		s.writeError(c, err)
		return
	}
	if a.Kind != asset.KindVideo {
		s.writeError(c, fmt.Errorf("%w: extract-audio on %s asset", submit.ErrKindMismatch, a.Kind))
		return
	}
	src := s.files.SourcePath(a.ID, a.Format)
	if _, err := storage.CheckFile(src); err != nil {
		s.writeError(c, err)
		return
	}

	// Without a client key every call is its own billable request.
	requestID := req.requestID(c)
	if requestID == "" {
		requestID = idgen.New()
	}
	cost := s.cfg.Cost("extract-audio")
	if _, err := s.ledger.Deduct(ctx, u.ID, cost, requestID, "audio extraction for "+a.ID); err != nil {
		s.writeError(c, err)
		return
	}

	dst := s.files.AudioPath(a.ID)
	err = s.runner.Run(ctx, transcoder.Request{
		Args:    transcoder.AudioArgs(src, dst),
		Timeout: s.cfg.JobTimeout,
	})
	if err == nil {
		_, err = storage.CheckFile(dst)
	}
	if err != nil {
		logging.L(ctx).Error("audio extraction failed", "asset_id", a.ID, "error", err)
		// The deduction already landed, so the compensating entry must stick.
		refundErr := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
			_, addErr := s.ledger.AddCredits(ctx, u.ID, cost, requestID+":refund", "refund: audio extraction failed")
			if errors.Is(addErr, ledger.ErrUserNotFound) {
				return retry.Permanent(addErr)
			}
			return addErr
		})
		if refundErr != nil {
			logging.L(ctx).Error("failed to refund audio extraction",
				"user_id", u.ID, "request_id", requestID, "error", refundErr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "extraction_failed",
			"message": "Audio extraction failed; credits were returned.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "completed",
		"message": "audio extracted",
	})
}

func (s *Server) listOperations(c *gin.Context) {
	u := currentUser(c)
	ctx := c.Request.Context()

	id := c.Query("assetId")
	if id == "" {
		id = c.Query("videoId")
	}
	if id == "" {
		id = c.Query("imageId")
	}
	if id == "" {
		s.invalidRequest(c, "assetId parameter required")
		return
	}
	a, err := s.assets.Get(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := asset.CheckOwner(a, u.ID); err != nil {
		s.writeError(c, err)
		return
	}
	ops, err := s.ops.ListByAsset(ctx, a.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

// -----------------------------------------------------------------------------
// Billing
// -----------------------------------------------------------------------------

type purchaseRequest struct {
	Amount    int64  `json:"amount"`
	RequestID string `json:"requestId"`
}

// buyCredits appends an addition entry. The requestId is mandatory here:
// purchases are the one path where a silent retry duplicate costs real money.
func (s *Server) buyCredits(c *gin.Context) {
	u := currentUser(c)
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.invalidRequest(c, "invalid JSON body")
		return
	}
	if req.RequestID == "" {
		s.invalidRequest(c, "requestId is required")
		return
	}

	entry, err := s.ledger.AddCredits(c.Request.Context(), u.ID, req.Amount, req.RequestID, "credit purchase")
	if err != nil {
		s.writeError(c, err)
		return
	}
	balance, err := s.ledger.Balance(c.Request.Context(), u.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": entry,
		"balance":     balance,
	})
}

func (s *Server) listTransactions(c *gin.Context) {
	u := currentUser(c)
	limit := queryInt(c, "limit", 20, 100)
	offset := queryInt(c, "offset", 0, 0)

	entries, err := s.ledger.History(c.Request.Context(), u.ID, limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": entries,
		"limit":        limit,
		"offset":       offset,
	})
}

func (s *Server) getBalance(c *gin.Context) {
	u := currentUser(c)
	balance, err := s.ledger.Balance(c.Request.Context(), u.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// -----------------------------------------------------------------------------
// Admin
// -----------------------------------------------------------------------------

func (s *Server) adminListUsers(c *gin.Context) {
	ctx := c.Request.Context()
	limit := queryInt(c, "limit", 50, 200)
	offset := queryInt(c, "offset", 0, 0)

	users, err := s.users.List(ctx, limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	total, err := s.users.Count(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"users":  users,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

type createUserRequest struct {
	Email   string    `json:"email"`
	Name    string    `json:"name"`
	Tier    user.Tier `json:"tier"`
	Credits int64     `json:"credits"`
}

func (s *Server) adminCreateUser(c *gin.Context) {
	ctx := c.Request.Context()
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.invalidRequest(c, "invalid JSON body")
		return
	}
	if req.Email == "" {
		s.invalidRequest(c, "email is required")
		return
	}
	if req.Tier == "" {
		req.Tier = user.TierFree
	}
	if !req.Tier.Valid() {
		s.invalidRequest(c, fmt.Sprintf("unknown tier %q", req.Tier))
		return
	}
	if req.Credits < 0 {
		s.invalidRequest(c, "credits must not be negative")
		return
	}

	u := &user.User{
		ID:    user.NewID(),
		Email: req.Email,
		Name:  req.Name,
		Tier:  req.Tier,
	}
	if err := s.users.Create(ctx, u); err != nil {
		s.writeError(c, err)
		return
	}
	if s.memLedger != nil {
		s.memLedger.CreateUser(u.ID, 0)
	}
	if req.Credits > 0 {
		if _, err := s.ledger.AddCredits(ctx, u.ID, req.Credits, "admin-seed-"+u.ID, "initial credits"); err != nil {
			logging.L(ctx).Error("failed to grant initial credits", "user_id", u.ID, "error", err)
		} else {
			u.Balance = req.Credits
		}
	}
	logging.L(ctx).Info("user created", "user_id", u.ID, "tier", u.Tier, "credits", req.Credits)
	c.JSON(http.StatusCreated, gin.H{"user": u})
}

func (s *Server) adminStats(c *gin.Context) {
	ctx := c.Request.Context()

	userCount, err := s.users.Count(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	videoCount, err := s.assets.Count(ctx, asset.KindVideo)
	if err != nil {
		s.writeError(c, err)
		return
	}
	imageCount, err := s.assets.Count(ctx, asset.KindImage)
	if err != nil {
		s.writeError(c, err)
		return
	}

	queues := make(map[string]queue.Stats, len(operation.Types))
	for _, t := range operation.Types {
		st, err := s.queue.Stats(ctx, string(t))
		if err != nil {
			logging.L(ctx).Warn("queue stats unavailable", "type", t, "error", err)
			continue
		}
		queues[string(t)] = st
	}

	pendingEvents, err := s.events.CountRetryable(ctx)
	if err != nil {
		logging.L(ctx).Warn("outbox stats unavailable", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"users":         userCount,
		"videos":        videoCount,
		"images":        imageCount,
		"queues":        queues,
		"subscriptions": s.hub.Stats(),
		"pendingEvents": pendingEvents,
	})
}

// -----------------------------------------------------------------------------
// Error mapping & helpers
// -----------------------------------------------------------------------------

func (s *Server) invalidRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}

// writeError maps domain errors to HTTP responses. Anything unrecognized is a
// 500 with the detail kept in the log, not the body.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, asset.ErrNotFound),
		errors.Is(err, operation.ErrNotFound),
		errors.Is(err, user.ErrNotFound),
		errors.Is(err, ledger.ErrUserNotFound),
		errors.Is(err, storage.ErrMissing):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, asset.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You do not own this asset.",
		})
	case errors.Is(err, ledger.ErrInsufficientCredits):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_credits",
			"message": "Not enough credits for this operation.",
		})
	case errors.Is(err, ledger.ErrRequestCollision):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "request_collision",
			"message": "This requestId was already used with different parameters.",
		})
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive number of credits.",
		})
	case errors.Is(err, operation.ErrInvalidParams),
		errors.Is(err, submit.ErrKindMismatch):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, storage.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "too_large",
			"message": "Upload exceeds the size limit for your tier.",
		})
	case errors.Is(err, user.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "email_taken",
			"message": "A user with this email already exists.",
		})
	default:
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}

// parseDimensions parses "640x480" into width and height.
func parseDimensions(raw string) (int, int, error) {
	ws, hs, ok := strings.Cut(raw, "x")
	if !ok {
		return 0, 0, fmt.Errorf("dimensions must look like 640x480, got %q", raw)
	}
	w, err := strconv.Atoi(ws)
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid width %q", ws)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid height %q", hs)
	}
	return w, h, nil
}

// queryInt reads a non-negative integer query parameter with a default and an
// optional cap (0 means uncapped).
func queryInt(c *gin.Context, name string, def, max int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
