package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/infrastructure/persistence/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// GormLocalEntityStore implements crm.LocalEntityStore over the users,
// companies and locations tables.
type GormLocalEntityStore struct {
	db     *gorm.DB
	tables map[crm.EntityType]localTable
}

// NewGormLocalEntityStore creates a new GormLocalEntityStore
func NewGormLocalEntityStore(db *gorm.DB) *GormLocalEntityStore {
	return &GormLocalEntityStore{
		db: db,
		tables: map[crm.EntityType]localTable{
			crm.EntityTypeUser:     userTable(),
			crm.EntityTypeCompany:  companyTable(),
			crm.EntityTypeLocation: locationTable(),
		},
	}
}

var _ crm.LocalEntityStore = (*GormLocalEntityStore)(nil)

func (s *GormLocalEntityStore) table(t crm.EntityType) (localTable, error) {
	tbl, ok := s.tables[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", crm.ErrInvalidEntityType, t)
	}
	return tbl, nil
}

// Get loads a snapshot of one record
func (s *GormLocalEntityStore) Get(ctx context.Context, t crm.EntityType, id int64) (*crm.LocalEntity, error) {
	tbl, err := s.table(t)
	if err != nil {
		return nil, err
	}
	return tbl.get(s.db.WithContext(ctx), id)
}

// Create inserts a record built from fields
func (s *GormLocalEntityStore) Create(ctx context.Context, t crm.EntityType, fields map[string]crm.Value) (int64, error) {
	tbl, err := s.table(t)
	if err != nil {
		return 0, err
	}
	return tbl.create(s.db.WithContext(ctx), fields)
}

// Update writes only the given fields
func (s *GormLocalEntityStore) Update(ctx context.Context, t crm.EntityType, id int64, fields map[string]crm.Value) error {
	tbl, err := s.table(t)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}
	return tbl.update(s.db.WithContext(ctx), id, fields)
}

// Delete removes a record
func (s *GormLocalEntityStore) Delete(ctx context.Context, t crm.EntityType, id int64) error {
	tbl, err := s.table(t)
	if err != nil {
		return err
	}
	return tbl.delete(s.db.WithContext(ctx), id)
}

// ListIDs returns all ids of a type in ascending order
func (s *GormLocalEntityStore) ListIDs(ctx context.Context, t crm.EntityType) ([]int64, error) {
	tbl, err := s.table(t)
	if err != nil {
		return nil, err
	}
	return tbl.listIDs(s.db.WithContext(ctx))
}

// Count returns the number of records of a type
func (s *GormLocalEntityStore) Count(ctx context.Context, t crm.EntityType) (int64, error) {
	tbl, err := s.table(t)
	if err != nil {
		return 0, err
	}
	return tbl.count(s.db.WithContext(ctx))
}

// FindByNaturalKey finds the lowest-id record whose key column matches value
func (s *GormLocalEntityStore) FindByNaturalKey(ctx context.Context, t crm.EntityType, value string) (*crm.LocalEntity, error) {
	tbl, err := s.table(t)
	if err != nil {
		return nil, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, crm.ErrLocalEntityNotFound
	}
	return tbl.findByKey(s.db.WithContext(ctx), value)
}

// ---------------------------------------------------------------------------
// Tables
// ---------------------------------------------------------------------------

type localTable interface {
	get(db *gorm.DB, id int64) (*crm.LocalEntity, error)
	create(db *gorm.DB, fields map[string]crm.Value) (int64, error)
	update(db *gorm.DB, id int64, fields map[string]crm.Value) error
	delete(db *gorm.DB, id int64) error
	listIDs(db *gorm.DB) ([]int64, error)
	count(db *gorm.DB) (int64, error)
	findByKey(db *gorm.DB, value string) (*crm.LocalEntity, error)
}

// fieldCodec reads and writes one named field of a model.
// A nil set marks the field read-only.
type fieldCodec[M any] struct {
	get func(*M) crm.Value
	set func(*M, crm.Value) error
}

type entityTable[M any] struct {
	entityType crm.EntityType
	keyColumn  string
	order      []string
	fields     map[string]fieldCodec[M]
	id         func(*M) int64
	updatedAt  func(*M) time.Time
	onCreate   func(*M)
}

func (t *entityTable[M]) add(name string, codec fieldCodec[M]) *entityTable[M] {
	if t.fields == nil {
		t.fields = make(map[string]fieldCodec[M])
	}
	t.order = append(t.order, name)
	t.fields[name] = codec
	return t
}

func (t *entityTable[M]) resolve(name string) (string, fieldCodec[M], error) {
	if codec, ok := t.fields[name]; ok {
		return name, codec, nil
	}
	for _, candidate := range t.order {
		if strings.EqualFold(candidate, name) {
			return candidate, t.fields[candidate], nil
		}
	}
	return "", fieldCodec[M]{}, fmt.Errorf("%w: %s.%s", crm.ErrUnknownLocalField, t.entityType, name)
}

func (t *entityTable[M]) apply(m *M, fields map[string]crm.Value) error {
	for name, v := range fields {
		canonical, codec, err := t.resolve(name)
		if err != nil {
			return err
		}
		if codec.set == nil {
			continue
		}
		if err := codec.set(m, v); err != nil {
			return fmt.Errorf("%s.%s: %w", t.entityType, canonical, err)
		}
	}
	return nil
}

func (t *entityTable[M]) snapshot(m *M) *crm.LocalEntity {
	e := crm.NewLocalEntity(t.entityType, t.id(m))
	for _, name := range t.order {
		e.Set(name, t.fields[name].get(m))
	}
	modified := t.updatedAt(m).UTC()
	e.ModifiedAt = &modified
	return e
}

func (t *entityTable[M]) load(db *gorm.DB, id int64) (*M, error) {
	m := new(M)
	if err := db.First(m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s %d", crm.ErrLocalEntityNotFound, t.entityType, id)
		}
		return nil, err
	}
	return m, nil
}

func (t *entityTable[M]) get(db *gorm.DB, id int64) (*crm.LocalEntity, error) {
	m, err := t.load(db, id)
	if err != nil {
		return nil, err
	}
	return t.snapshot(m), nil
}

func (t *entityTable[M]) create(db *gorm.DB, fields map[string]crm.Value) (int64, error) {
	m := new(M)
	if t.onCreate != nil {
		t.onCreate(m)
	}
	if err := t.apply(m, fields); err != nil {
		return 0, err
	}
	if err := db.Create(m).Error; err != nil {
		return 0, err
	}
	return t.id(m), nil
}

func (t *entityTable[M]) update(db *gorm.DB, id int64, fields map[string]crm.Value) error {
	m, err := t.load(db, id)
	if err != nil {
		return err
	}
	if err := t.apply(m, fields); err != nil {
		return err
	}
	return db.Save(m).Error
}

func (t *entityTable[M]) delete(db *gorm.DB, id int64) error {
	result := db.Delete(new(M), "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %d", crm.ErrLocalEntityNotFound, t.entityType, id)
	}
	return nil
}

func (t *entityTable[M]) listIDs(db *gorm.DB) ([]int64, error) {
	var ids []int64
	if err := db.Model(new(M)).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *entityTable[M]) count(db *gorm.DB) (int64, error) {
	var n int64
	if err := db.Model(new(M)).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (t *entityTable[M]) findByKey(db *gorm.DB, value string) (*crm.LocalEntity, error) {
	m := new(M)
	err := db.Where(fmt.Sprintf("LOWER(%s) = LOWER(?)", t.keyColumn), value).
		Order("id ASC").
		First(m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, crm.ErrLocalEntityNotFound
		}
		return nil, err
	}
	return t.snapshot(m), nil
}

func userTable() *entityTable[models.UserModel] {
	t := &entityTable[models.UserModel]{
		entityType: crm.EntityTypeUser,
		keyColumn:  "email",
		id:         func(m *models.UserModel) int64 { return m.ID },
		updatedAt:  func(m *models.UserModel) time.Time { return m.UpdatedAt },
		onCreate:   func(m *models.UserModel) { m.IsActive = true },
	}
	t.add("Id", idField(func(m *models.UserModel) int64 { return m.ID })).
		add("Email", stringField(func(m *models.UserModel) *string { return &m.Email })).
		add("FirstName", stringField(func(m *models.UserModel) *string { return &m.FirstName })).
		add("LastName", stringField(func(m *models.UserModel) *string { return &m.LastName })).
		add("PhoneNumber", stringField(func(m *models.UserModel) *string { return &m.PhoneNumber })).
		add("JobTitle", stringField(func(m *models.UserModel) *string { return &m.JobTitle })).
		add("CompanyId", refField(func(m *models.UserModel) **int64 { return &m.CompanyID })).
		add("LocationId", refField(func(m *models.UserModel) **int64 { return &m.LocationID })).
		add("IsActive", boolField(func(m *models.UserModel) *bool { return &m.IsActive }))
	return t
}

func companyTable() *entityTable[models.CompanyModel] {
	t := &entityTable[models.CompanyModel]{
		entityType: crm.EntityTypeCompany,
		keyColumn:  "title",
		id:         func(m *models.CompanyModel) int64 { return m.ID },
		updatedAt:  func(m *models.CompanyModel) time.Time { return m.UpdatedAt },
	}
	t.add("Id", idField(func(m *models.CompanyModel) int64 { return m.ID })).
		add("Title", stringField(func(m *models.CompanyModel) *string { return &m.Title })).
		add("Description", stringField(func(m *models.CompanyModel) *string { return &m.Description })).
		add("PhoneNumber", stringField(func(m *models.CompanyModel) *string { return &m.PhoneNumber })).
		add("WebsiteUrl", stringField(func(m *models.CompanyModel) *string { return &m.WebsiteURL })).
		add("EmployeeCount", int64Field(func(m *models.CompanyModel) *int64 { return &m.EmployeeCount })).
		add("AnnualRevenue", decimalField(func(m *models.CompanyModel) *decimal.Decimal { return &m.AnnualRevenue })).
		add("IsDeactivated", boolField(func(m *models.CompanyModel) *bool { return &m.IsDeactivated }))
	return t
}

func locationTable() *entityTable[models.LocationModel] {
	t := &entityTable[models.LocationModel]{
		entityType: crm.EntityTypeLocation,
		keyColumn:  "title",
		id:         func(m *models.LocationModel) int64 { return m.ID },
		updatedAt:  func(m *models.LocationModel) time.Time { return m.UpdatedAt },
	}
	t.add("Id", idField(func(m *models.LocationModel) int64 { return m.ID })).
		add("Title", stringField(func(m *models.LocationModel) *string { return &m.Title })).
		add("Address", stringField(func(m *models.LocationModel) *string { return &m.Address })).
		add("City", stringField(func(m *models.LocationModel) *string { return &m.City })).
		add("State", stringField(func(m *models.LocationModel) *string { return &m.State })).
		add("ZipCode", stringField(func(m *models.LocationModel) *string { return &m.ZipCode })).
		add("CompanyId", refField(func(m *models.LocationModel) **int64 { return &m.CompanyID }))
	return t
}

// ---------------------------------------------------------------------------
// Field codecs
// ---------------------------------------------------------------------------

func kindMismatch(want string, v crm.Value) error {
	return fmt.Errorf("%w: expected %s, got %s", crm.ErrLocalFieldType, want, v.Kind())
}

func idField[M any](id func(*M) int64) fieldCodec[M] {
	return fieldCodec[M]{
		get: func(m *M) crm.Value { return crm.IntegerValue(id(m)) },
	}
}

// stringField stores any non-null value by its text form. Empty strings read as Null.
func stringField[M any](ptr func(*M) *string) fieldCodec[M] {
	return fieldCodec[M]{
		get: func(m *M) crm.Value {
			if s := *ptr(m); s != "" {
				return crm.StringValue(s)
			}
			return crm.NullValue()
		},
		set: func(m *M, v crm.Value) error {
			*ptr(m) = v.Text()
			return nil
		},
	}
}

func parseInteger(v crm.Value) (int64, error) {
	if n, ok := v.AsInteger(); ok {
		return n, nil
	}
	if d, ok := v.AsDecimal(); ok {
		return d.IntPart(), nil
	}
	if s, ok := v.AsString(); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err == nil {
			return n, nil
		}
	}
	return 0, kindMismatch("integer", v)
}

// refField holds an optional local identifier of a related record.
func refField[M any](ptr func(*M) **int64) fieldCodec[M] {
	return fieldCodec[M]{
		get: func(m *M) crm.Value {
			if p := *ptr(m); p != nil {
				return crm.IntegerValue(*p)
			}
			return crm.NullValue()
		},
		set: func(m *M, v crm.Value) error {
			if v.IsEmpty() {
				*ptr(m) = nil
				return nil
			}
			n, err := parseInteger(v)
			if err != nil {
				return err
			}
			*ptr(m) = &n
			return nil
		},
	}
}

func int64Field[M any](ptr func(*M) *int64) fieldCodec[M] {
	return fieldCodec[M]{
		get: func(m *M) crm.Value { return crm.IntegerValue(*ptr(m)) },
		set: func(m *M, v crm.Value) error {
			if v.IsEmpty() {
				*ptr(m) = 0
				return nil
			}
			n, err := parseInteger(v)
			if err != nil {
				return err
			}
			*ptr(m) = n
			return nil
		},
	}
}

func decimalField[M any](ptr func(*M) *decimal.Decimal) fieldCodec[M] {
	return fieldCodec[M]{
		get: func(m *M) crm.Value { return crm.DecimalValue(*ptr(m)) },
		set: func(m *M, v crm.Value) error {
			if v.IsEmpty() {
				*ptr(m) = decimal.Zero
				return nil
			}
			if d, ok := v.AsDecimal(); ok {
				*ptr(m) = d
				return nil
			}
			if s, ok := v.AsString(); ok {
				if d, err := decimal.NewFromString(strings.TrimSpace(s)); err == nil {
					*ptr(m) = d
					return nil
				}
			}
			return kindMismatch("decimal", v)
		},
	}
}

func boolField[M any](ptr func(*M) *bool) fieldCodec[M] {
	return fieldCodec[M]{
		get: func(m *M) crm.Value { return crm.BooleanValue(*ptr(m)) },
		set: func(m *M, v crm.Value) error {
			if v.IsNull() {
				*ptr(m) = false
				return nil
			}
			if b, ok := v.AsBool(); ok {
				*ptr(m) = b
				return nil
			}
			if s, ok := v.AsString(); ok {
				if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
					*ptr(m) = b
					return nil
				}
			}
			return kindMismatch("boolean", v)
		},
	}
}
