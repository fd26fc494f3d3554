package handlers

import (
	"context"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/kiosk"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/storage"
	"github.com/your-org/checkpoint/internal/vision"
	"github.com/your-org/checkpoint/pkg/dto"
)

const maxImageBytes = 10 << 20

type IdentityStore interface {
	ListIdentities(ctx context.Context, filter storage.IdentityFilter) ([]models.Identity, error)
	GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	SearchEmbeddings(ctx context.Context, embedding models.Embedding, threshold float64, limit int) ([]storage.EmbeddingMatch, error)
}

type Enroller interface {
	FromImages(ctx context.Context, req kiosk.EnrollRequest, images []kiosk.PoseImage) (*models.Identity, error)
}

type IdentityHandler struct {
	store     IdentityStore
	enroller  Enroller
	resources kiosk.ResourceFactory
	threshold float64
}

// NewIdentityHandler wires identity administration. Without an enroller or
// resources the upload endpoints answer 503.
func NewIdentityHandler(store IdentityStore, enroller Enroller, resources kiosk.ResourceFactory, matchThreshold float64) *IdentityHandler {
	return &IdentityHandler{store: store, enroller: enroller, resources: resources, threshold: matchThreshold}
}

func (h *IdentityHandler) List(c *gin.Context) {
	var q dto.IdentityQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, bindError(err))
		return
	}

	idents, err := h.store.ListIdentities(c.Request.Context(), storage.IdentityFilter{
		ActiveOnly: q.ActiveOnly,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.IdentityResponse, 0, len(idents))
	for _, ident := range idents {
		resp = append(resp, dto.NewIdentityResponse(ident))
	}
	c.JSON(http.StatusOK, dto.IdentityListResponse{Identities: resp, Total: len(resp)})
}

func (h *IdentityHandler) Get(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	ident, err := h.store.GetIdentity(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewIdentityResponse(*ident))
}

func (h *IdentityHandler) Deactivate(c *gin.Context) {
	h.setActive(c, false)
}

func (h *IdentityHandler) Reactivate(c *gin.Context) {
	h.setActive(c, true)
}

func (h *IdentityHandler) setActive(c *gin.Context, active bool) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	if err := h.store.SetActive(c.Request.Context(), id, active); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "active": active})
}

// Enroll accepts a multipart upload with external_id, display_name, an
// optional reenroll flag and image files under front, left and right.
func (h *IdentityHandler) Enroll(c *gin.Context) {
	if h.enroller == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "enrollment is not available", "code": models.KindModelLoadFailed})
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		respondError(c, models.Validation("a multipart form is required"))
		return
	}

	req := kiosk.EnrollRequest{
		ExternalID:  c.PostForm("external_id"),
		DisplayName: c.PostForm("display_name"),
	}
	if v := c.PostForm("reenroll"); v != "" {
		req.Reenroll, err = strconv.ParseBool(v)
		if err != nil {
			respondError(c, models.Validation("reenroll must be a boolean"))
			return
		}
	}

	var images []kiosk.PoseImage
	for field, pose := range uploadPoses {
		for _, fh := range form.File[field] {
			img, err := decodeUpload(fh)
			if err != nil {
				respondError(c, err)
				return
			}
			images = append(images, kiosk.PoseImage{Pose: pose, Image: img})
		}
	}
	sort.SliceStable(images, func(i, j int) bool { return poseOrder[images[i].Pose] < poseOrder[images[j].Pose] })

	ident, err := h.enroller.FromImages(c.Request.Context(), req, images)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if req.Reenroll {
		status = http.StatusOK
	}
	c.JSON(status, dto.NewIdentityResponse(*ident))
}

// Search embeds an uploaded photo and lists the closest enrolled identities.
func (h *IdentityHandler) Search(c *gin.Context) {
	if h.resources == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recognition is not available", "code": models.KindModelLoadFailed})
		return
	}

	fh, err := c.FormFile("image")
	if err != nil {
		respondError(c, models.Validation("image file required"))
		return
	}
	img, err := decodeUpload(fh)
	if err != nil {
		respondError(c, err)
		return
	}

	limit := 5
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			respondError(c, models.Validation("limit must be a positive integer"))
			return
		}
	}

	res, err := h.resources.Open(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	defer res.Close()

	faces, err := res.Locator.Locate(img)
	if err != nil {
		respondError(c, err)
		return
	}
	switch {
	case len(faces) == 0:
		respondError(c, models.ErrNoFaceDetected)
		return
	case len(faces) > 1:
		respondError(c, models.ErrMultipleFaces)
		return
	}

	emb, err := res.Extractor.Embed(vision.Crop(img, faces[0].Box))
	if err != nil {
		respondError(c, err)
		return
	}

	matches, err := h.store.SearchEmbeddings(c.Request.Context(), emb, h.threshold, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if matches == nil {
		matches = []storage.EmbeddingMatch{}
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches, "total": len(matches)})
}

var (
	uploadPoses = map[string]models.EnrollmentPose{
		"front": models.PoseFront,
		"left":  models.PoseLeft,
		"right": models.PoseRight,
	}
	poseOrder = map[models.EnrollmentPose]int{
		models.PoseFront: 0,
		models.PoseLeft:  1,
		models.PoseRight: 2,
	}
)

func decodeUpload(fh *multipart.FileHeader) (image.Image, error) {
	if fh.Size > maxImageBytes {
		return nil, models.Validation(fmt.Sprintf("%s is larger than %d MB", fh.Filename, maxImageBytes>>20))
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	img, err := vision.DecodeImage(data)
	if err != nil {
		return nil, models.Validation(fmt.Sprintf("%s is not a JPEG or PNG image", fh.Filename))
	}
	return img, nil
}
