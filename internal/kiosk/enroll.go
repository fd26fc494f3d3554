package kiosk

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/checkpoint/internal/config"
	"github.com/your-org/checkpoint/internal/matching"
	"github.com/your-org/checkpoint/internal/models"
	"github.com/your-org/checkpoint/internal/vision"
)

type IdentityWriter interface {
	CreateIdentity(ctx context.Context, ident *models.Identity) error
	ReplaceSamples(ctx context.Context, identityID uuid.UUID, samples []models.EnrollmentSample) error
}

// Plan is how many captures each pose needs and how far apart they are.
type Plan struct {
	MinInterval time.Duration
	Front       int
	Left        int
	Right       int
}

func DefaultPlan() Plan {
	return Plan{MinInterval: time.Second, Front: 3, Left: 2, Right: 2}
}

func PlanFrom(c config.EnrollmentConfig) Plan {
	return Plan{MinInterval: c.MinInterval, Front: c.Front, Left: c.Left, Right: c.Right}
}

// poses expands the plan into the capture order.
func (p Plan) poses() []models.EnrollmentPose {
	out := make([]models.EnrollmentPose, 0, p.Front+p.Left+p.Right)
	for i := 0; i < p.Front; i++ {
		out = append(out, models.PoseFront)
	}
	for i := 0; i < p.Left; i++ {
		out = append(out, models.PoseLeft)
	}
	for i := 0; i < p.Right; i++ {
		out = append(out, models.PoseRight)
	}
	return out
}

// EnrollRequest names the person being enrolled. Reenroll replaces the
// samples of an existing identity instead of rejecting the external id as
// taken.
type EnrollRequest struct {
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name"`
	Reenroll    bool   `json:"reenroll"`
}

func (r *EnrollRequest) normalize() error {
	r.ExternalID = strings.TrimSpace(r.ExternalID)
	r.DisplayName = strings.TrimSpace(r.DisplayName)
	if r.ExternalID == "" {
		return models.Validation("external id is required")
	}
	if r.DisplayName == "" && !r.Reenroll {
		return models.Validation("display name is required")
	}
	return nil
}

// PoseImage is an uploaded enrollment photo labelled with its pose.
type PoseImage struct {
	Pose  models.EnrollmentPose
	Image image.Image
}

// Enroller turns captures into stored enrollment samples.
type Enroller struct {
	resources ResourceFactory
	gallery   Gallery
	writer    IdentityWriter
	plan      Plan
	pose      vision.Thresholds
	match     matching.Thresholds
	now       func() time.Time
	logger    *slog.Logger
}

type EnrollerOptions struct {
	Plan       Plan
	Pose       vision.Thresholds
	Thresholds matching.Thresholds
	Now        func() time.Time
}

func NewEnroller(resources ResourceFactory, gallery Gallery, writer IdentityWriter, opts EnrollerOptions, logger *slog.Logger) *Enroller {
	e := &Enroller{
		resources: resources,
		gallery:   gallery,
		writer:    writer,
		plan:      opts.Plan,
		pose:      opts.Pose,
		match:     opts.Thresholds,
		now:       opts.Now,
		logger:    logger.With("component", "enroller"),
	}
	if len(e.plan.poses()) == 0 {
		e.plan = DefaultPlan()
	}
	if e.pose == (vision.Thresholds{}) {
		e.pose = vision.DefaultThresholds()
	}
	if e.match == (matching.Thresholds{}) {
		e.match = matching.DefaultThresholds()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// EnrollStatus is the pollable state of a guided enrollment.
type EnrollStatus struct {
	ExternalID  string                `json:"external_id"`
	Pose        models.EnrollmentPose `json:"pose,omitempty"`
	Captured    int                   `json:"captured"`
	Required    int                   `json:"required"`
	Instruction string                `json:"instruction"`
	Done        bool                  `json:"done"`
	Identity    *models.Identity      `json:"identity,omitempty"`
	Code        models.ErrorKind      `json:"code,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// Enrollment is one guided capture in progress.
type Enrollment struct {
	enroller *Enroller
	req      EnrollRequest
	res      *Resources
	poses    []models.EnrollmentPose
	logger   *slog.Logger

	mu          sync.Mutex
	samples     []models.EnrollmentSample
	lastCapture time.Time
	status      EnrollStatus
}

// Start opens models for a guided capture.
func (e *Enroller) Start(ctx context.Context, req EnrollRequest) (*Enrollment, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	res, err := e.resources.Open(ctx)
	if err != nil {
		return nil, err
	}
	poses := e.plan.poses()
	en := &Enrollment{
		enroller: e,
		req:      req,
		res:      res,
		poses:    poses,
		logger:   e.logger.With("external_id", req.ExternalID),
		status: EnrollStatus{
			ExternalID:  req.ExternalID,
			Pose:        poses[0],
			Required:    len(poses),
			Instruction: poseInstruction(poses[0]),
		},
	}
	en.logger.Info("enrollment started", "captures", len(poses))
	return en, nil
}

func (en *Enrollment) Status() EnrollStatus {
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.status
}

func (en *Enrollment) Done() bool {
	return en.Status().Done
}

// ProcessFrame keeps a frame as the next sample when enough time passed
// since the last capture, exactly one face is visible and it holds the
// requested pose. After the last capture the identity is stored.
func (en *Enrollment) ProcessFrame(ctx context.Context, f Frame) (EnrollStatus, error) {
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.status.Done {
		return en.status, nil
	}
	if !en.lastCapture.IsZero() && f.At.Sub(en.lastCapture) < en.enroller.plan.MinInterval {
		return en.status, nil
	}

	pose := en.poses[len(en.samples)]
	emb, err := en.enroller.capture(en.res, f.Image, pose)
	if err != nil {
		if models.Recoverable(err) || models.KindOf(err) == models.KindValidation {
			en.status.Instruction = models.UserMessage(err)
			return en.status, nil
		}
		return en.finish(nil, err), err
	}

	en.samples = append(en.samples, models.EnrollmentSample{
		ID:        uuid.New(),
		Pose:      pose,
		Embedding: emb,
		CreatedAt: f.At,
	})
	en.lastCapture = f.At
	en.status.Captured = len(en.samples)
	en.logger.Debug("sample captured", "pose", pose, "captured", len(en.samples))

	if len(en.samples) < len(en.poses) {
		next := en.poses[len(en.samples)]
		en.status.Pose = next
		en.status.Instruction = poseInstruction(next)
		return en.status, nil
	}

	ident, err := en.enroller.commit(ctx, en.req, en.samples)
	if err != nil {
		return en.finish(nil, err), err
	}
	return en.finish(ident, nil), nil
}

// Cancel abandons the capture without storing anything.
func (en *Enrollment) Cancel() {
	en.mu.Lock()
	defer en.mu.Unlock()
	if !en.status.Done {
		en.finish(nil, models.Validation("enrollment cancelled"))
	}
}

func (en *Enrollment) Close() {
	en.res.Close()
}

func (en *Enrollment) finish(ident *models.Identity, err error) EnrollStatus {
	en.status.Done = true
	en.status.Identity = ident
	en.status.Pose = ""
	if err != nil {
		en.status.Code = models.KindOf(err)
		en.status.Error = models.UserMessage(err)
		en.status.Instruction = en.status.Error
		en.logger.Warn("enrollment failed", "error", err)
	} else {
		en.status.Instruction = "Enrollment complete."
		en.logger.Info("enrollment complete", "identity_id", ident.ID, "samples", len(ident.Samples))
	}
	en.res.Close()
	return en.status
}

// FromImages enrolls from uploaded photos instead of a live capture. Every
// image must show exactly one face in the labelled pose.
func (e *Enroller) FromImages(ctx context.Context, req EnrollRequest, images []PoseImage) (*models.Identity, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, models.Validation("at least one image is required")
	}
	var front bool
	for _, img := range images {
		if img.Pose == models.PoseFront {
			front = true
		}
	}
	if !front {
		return nil, models.Validation("a FRONT image is required")
	}

	res, err := e.resources.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	now := e.now()
	samples := make([]models.EnrollmentSample, 0, len(images))
	for i, img := range images {
		emb, err := e.capture(res, img.Image, img.Pose)
		if err != nil {
			if models.Fatal(err) {
				return nil, err
			}
			return nil, models.Validation(fmt.Sprintf("image %d (%s): %s", i+1, img.Pose, models.UserMessage(err)))
		}
		samples = append(samples, models.EnrollmentSample{
			ID:        uuid.New(),
			Pose:      img.Pose,
			Embedding: emb,
			CreatedAt: now,
		})
	}
	return e.commit(ctx, req, samples)
}

func (e *Enroller) capture(res *Resources, img image.Image, pose models.EnrollmentPose) (models.Embedding, error) {
	if img == nil {
		return nil, models.ErrProcessingFailed.WithError(errors.New("no image"))
	}
	faces, err := res.Locator.Locate(img)
	if err != nil {
		return nil, err
	}
	if err := faceCountErr(len(faces)); err != nil {
		return nil, err
	}
	face := faces[0]
	if !e.holdsPose(face, pose) {
		return nil, models.Validation(poseInstruction(pose))
	}
	return res.Extractor.Embed(vision.Crop(img, face.Box))
}

func (e *Enroller) holdsPose(face models.DetectedFace, pose models.EnrollmentPose) bool {
	switch pose {
	case models.PoseFront:
		return e.pose.FacingForward(face)
	case models.PoseLeft:
		return e.pose.TurnedLeft(face)
	case models.PoseRight:
		return e.pose.TurnedRight(face)
	}
	return false
}

// commit rejects a face that already belongs to another identity, then
// creates the identity or replaces its samples wholesale.
func (e *Enroller) commit(ctx context.Context, req EnrollRequest, samples []models.EnrollmentSample) (*models.Identity, error) {
	existing, err := e.gallery.ResolveCandidate(ctx, req.ExternalID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, err
	case !req.Reenroll:
		return nil, models.Validation(fmt.Sprintf("external id %q is already enrolled", req.ExternalID))
	}

	pool, err := e.gallery.Gallery(ctx)
	if err != nil {
		return nil, err
	}
	others := pool[:0:0]
	for _, ident := range pool {
		if existing == nil || ident.ID != existing.ID {
			others = append(others, ident)
		}
	}
	for _, s := range samples {
		if hit, ok := matching.Match(s.Embedding, others, e.match.Match); ok {
			e.logger.Warn("duplicate enrollment", "external_id", req.ExternalID, "matches", hit.Identity.ExternalID, "score", hit.Score)
			return nil, models.Validation(fmt.Sprintf("this face is already enrolled as %s", hit.Identity.ExternalID))
		}
	}

	if existing != nil {
		if err := e.writer.ReplaceSamples(ctx, existing.ID, samples); err != nil {
			return nil, err
		}
		existing.Samples = samples
		return existing, nil
	}

	ident := &models.Identity{
		ExternalID:  req.ExternalID,
		DisplayName: req.DisplayName,
		Samples:     samples,
		Active:      true,
	}
	if err := e.writer.CreateIdentity(ctx, ident); err != nil {
		return nil, err
	}
	return ident, nil
}

func poseInstruction(p models.EnrollmentPose) string {
	switch p {
	case models.PoseLeft:
		return "Turn your head slightly to the left."
	case models.PoseRight:
		return "Turn your head slightly to the right."
	}
	return "Look straight at the camera."
}
