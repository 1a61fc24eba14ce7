package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/dashsync/modules/layouts/domain/grid"
	"github.com/iota-uz/dashsync/modules/layouts/domain/region"
	"github.com/iota-uz/dashsync/pkg/eventbus"
	"github.com/iota-uz/dashsync/pkg/logging"
)

type ReorderDTO struct {
	IDs []string `json:"ids" validate:"required,min=1,unique,dive,required"`
}

// LayoutService is the server side of the layout API: it owns region
// versions and rejects stale or invalid writes.
type LayoutService struct {
	repo     RegionRepository
	defaults DefaultsSource
	validate *validator.Validate
	events   eventbus.EventBus
	log      *logrus.Entry
}

func NewLayoutService(repo RegionRepository, defaults DefaultsSource, log *logrus.Entry) *LayoutService {
	if log == nil {
		log = logging.Nop()
	}
	return &LayoutService{
		repo:     repo,
		defaults: defaults,
		validate: newValidator(),
		log:      log.WithField("component", "layouts.service"),
	}
}

// WithEvents makes the service publish a LayoutChangedEvent on bus after
// every committed write.
func (s *LayoutService) WithEvents(bus eventbus.EventBus) *LayoutService {
	s.events = bus
	return s
}

func (s *LayoutService) changed(e *LayoutChangedEvent) {
	if s.events != nil {
		s.events.Publish(e)
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("region_type", func(fl validator.FieldLevel) bool {
		return region.Type(fl.Field().String()).Valid()
	})
	return v
}

func (s *LayoutService) invalid(err error) error {
	return fmt.Errorf("%w: %s", ErrValidationRejected, err.Error())
}

func (s *LayoutService) List(ctx context.Context, layoutID string) ([]region.Remote, error) {
	list, err := s.repo.List(ctx, layoutID)
	recordServiceOp("list", err)
	return list, err
}

func (s *LayoutService) Create(ctx context.Context, layoutID string, req CreateRequest) (region.Remote, error) {
	if err := s.validate.Struct(req); err != nil {
		recordServiceOp("create", ErrValidationRejected)
		return region.Remote{}, s.invalid(err)
	}

	count, err := s.repo.Count(ctx, layoutID)
	if err != nil {
		return region.Remote{}, err
	}
	pos := req.Position.WithDefaults()
	r := grid.ClampRegion(region.Region{
		ID:       uuid.NewString(),
		LayoutID: layoutID,
		Type:     req.Type,
		GridRow:  pos.Row,
		GridCol:  pos.Col,
		RowSpan:  pos.RowSpan,
		ColSpan:  pos.ColSpan,
		Order:    region.Int(count),
	})
	rm := region.Remote{Region: r, Version: 1}
	err = s.repo.Insert(ctx, rm)
	recordServiceOp("create", err)
	if err != nil {
		return region.Remote{}, err
	}
	s.log.WithFields(logrus.Fields{"layout_id": layoutID, "region_id": r.ID, "region_type": r.Type}).Info("region created")
	created := rm
	s.changed(&LayoutChangedEvent{LayoutID: layoutID, Kind: ChangeUpserted, Region: &created})
	return rm, nil
}

// Update applies an RFC 7386 merge patch to the stored region if its version
// still equals expectedVersion. The id, layout and type cannot change; a
// locked region only accepts patches that leave its geometry alone or unlock
// it.
func (s *LayoutService) Update(ctx context.Context, layoutID, id string, mergePatch []byte, expectedVersion int64) (region.Remote, error) {
	rm, err := s.update(ctx, layoutID, id, mergePatch, expectedVersion)
	recordServiceOp("update", err)
	if err == nil {
		updated := rm
		s.changed(&LayoutChangedEvent{LayoutID: layoutID, Kind: ChangeUpserted, Region: &updated})
	}
	return rm, err
}

func (s *LayoutService) update(ctx context.Context, layoutID, id string, mergePatch []byte, expectedVersion int64) (region.Remote, error) {
	current, err := s.repo.Get(ctx, layoutID, id)
	if err != nil {
		return region.Remote{}, err
	}
	if current.Version != expectedVersion {
		cur := current
		return region.Remote{}, &VersionConflictError{
			RegionID: id,
			Expected: expectedVersion,
			Actual:   current.Version,
			Remote:   &cur,
		}
	}

	doc, err := json.Marshal(current.Region)
	if err != nil {
		return region.Remote{}, err
	}
	merged, err := jsonpatch.MergePatch(doc, mergePatch)
	if err != nil {
		return region.Remote{}, s.invalid(err)
	}
	var next region.Region
	dec := json.NewDecoder(bytes.NewReader(merged))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		return region.Remote{}, s.invalid(err)
	}

	if next.ID != current.ID || next.LayoutID != current.LayoutID || next.Type != current.Type {
		return region.Remote{}, s.invalid(errors.New("id, layout_id and region_type are immutable"))
	}
	if current.IsLocked && next.IsLocked && !sameGeometry(current.Region, next) {
		return region.Remote{}, fmt.Errorf("%w: %w", ErrValidationRejected, ErrRegionLocked)
	}
	if !grid.Valid(next) {
		return region.Remote{}, s.invalid(fmt.Errorf("region %s does not fit the grid", id))
	}

	updated := region.Remote{Region: next, Version: current.Version + 1}
	if err := s.repo.Update(ctx, updated, expectedVersion); err != nil {
		return region.Remote{}, err
	}
	return updated, nil
}

// UpdatePatch is Update for a typed patch.
func (s *LayoutService) UpdatePatch(ctx context.Context, layoutID, id string, patch region.Patch, expectedVersion int64) (region.Remote, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return region.Remote{}, err
	}
	return s.Update(ctx, layoutID, id, body, expectedVersion)
}

func sameGeometry(a, b region.Region) bool {
	return a.GridRow == b.GridRow && a.GridCol == b.GridCol && a.RowSpan == b.RowSpan && a.ColSpan == b.ColSpan
}

func (s *LayoutService) Delete(ctx context.Context, layoutID, id string) error {
	err := s.repo.Delete(ctx, layoutID, id)
	recordServiceOp("delete", err)
	if err == nil {
		s.log.WithFields(logrus.Fields{"layout_id": layoutID, "region_id": id}).Info("region deleted")
		s.changed(&LayoutChangedEvent{LayoutID: layoutID, Kind: ChangeDeleted, RegionID: id})
	}
	return err
}

// Reorder assigns order = index to every id in one repository transaction.
func (s *LayoutService) Reorder(ctx context.Context, layoutID string, dto ReorderDTO) error {
	if err := s.validate.Struct(dto); err != nil {
		recordServiceOp("reorder", ErrValidationRejected)
		return s.invalid(err)
	}
	err := s.repo.Reorder(ctx, layoutID, dto.IDs)
	recordServiceOp("reorder", err)
	if err == nil {
		s.changed(&LayoutChangedEvent{LayoutID: layoutID, Kind: ChangeReordered, IDs: append([]string(nil), dto.IDs...)})
	}
	return err
}

func (s *LayoutService) RoleDefaults(ctx context.Context, role string) ([]region.Template, error) {
	if s.defaults == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	templates, err := s.defaults.RoleDefaults(ctx, role)
	recordServiceOp("role_defaults", err)
	return templates, err
}

func (s *LayoutService) Link(ctx context.Context, layoutID, id string, link region.Linkage) error {
	if err := s.validate.Struct(link); err != nil {
		return s.invalid(err)
	}
	if _, err := s.repo.Get(ctx, layoutID, id); err != nil {
		return err
	}
	err := s.repo.Link(ctx, layoutID, id, link)
	recordServiceOp("link", err)
	return err
}

func (s *LayoutService) Unlink(ctx context.Context, layoutID, id string) error {
	err := s.repo.Unlink(ctx, layoutID, id)
	recordServiceOp("unlink", err)
	return err
}
