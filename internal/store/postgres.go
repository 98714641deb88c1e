package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/fenestra/quotehub/internal/identity"
	"github.com/fenestra/quotehub/internal/resource"
)

// dummyHash is compared against on username misses so a login attempt
// costs one bcrypt comparison whether or not the user exists.
var dummyHash = mustHash("quotehub-dummy-password")

func mustHash(password string) []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		panic("store: bcrypt: " + err.Error())
	}
	return h
}

// Config carries the [server.postgres] settings.
type Config struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MinPoolSize int
	MaxPoolSize int
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens the pool and verifies connectivity.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?pool_min_conns=%d&pool_max_conns=%d",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.MinPoolSize, cfg.MaxPoolSize,
	)
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Info("connected to postgres",
		slog.String("database", cfg.Database), slog.String("user", cfg.User))
	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
	p.logger.Info("disconnected from postgres")
}

type userRow struct {
	ID          int
	Username    string
	Password    string
	DisplayName string
	Email       string
	Autopilot   bool
	Admin       bool
}

// GetUser looks the user up by username and verifies the password. On a
// username miss the submitted password is still hashed against a fixed
// dummy hash so response timing does not reveal account existence.
func (p *Postgres) GetUser(ctx context.Context, username, password string) (*identity.User, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, username, password, COALESCE(display_name, ''), COALESCE(email, ''), autopilot, admin
		 FROM users WHERE username = $1`, username)

	var u userRow
	err := row.Scan(&u.ID, &u.Username, &u.Password, &u.DisplayName, &u.Email, &u.Autopilot, &u.Admin)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return p.hydrateUser(ctx, u)
}

// UserByID fetches a user snapshot without a password check. Resource
// loaders use it to hydrate owners.
func (p *Postgres) UserByID(ctx context.Context, id int) (*identity.User, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, username, COALESCE(display_name, ''), COALESCE(email, ''), autopilot, admin
		 FROM users WHERE id = $1`, id)

	var u userRow
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.Autopilot, &u.Admin)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch user %d: %w", id, err)
	}
	return p.hydrateUser(ctx, u)
}

func (p *Postgres) hydrateUser(ctx context.Context, u userRow) (*identity.User, error) {
	teamIDs, err := p.teamAssignments(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	teams, err := p.teams(ctx, teamIDs)
	if err != nil {
		return nil, err
	}
	return &identity.User{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Autopilot:   u.Autopilot,
		Admin:       u.Admin,
		Teams:       teams,
	}, nil
}

func (p *Postgres) teamAssignments(ctx context.Context, userID int) ([]int, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT team_id FROM team_assignments WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("fetch team assignments: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan team assignment: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type teamRow struct {
	ID             int
	Name           string
	HierarchyIndex int
	CompanyID      int
}

// teams loads the team rows, then their companies and permissions
// concurrently, mirroring the batched ANY($1) selects of the schema.
func (p *Postgres) teams(ctx context.Context, teamIDs []int) ([]identity.Team, error) {
	if len(teamIDs) == 0 {
		return nil, nil
	}

	rows, err := p.pool.Query(ctx,
		`SELECT id, name, hierarchy_index, company_id FROM teams WHERE id = ANY($1)`, teamIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch teams: %w", err)
	}
	defer rows.Close()

	var teamRows []teamRow
	companyIDs := make(map[int]struct{})
	for rows.Next() {
		var t teamRow
		if err := rows.Scan(&t.ID, &t.Name, &t.HierarchyIndex, &t.CompanyID); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teamRows = append(teamRows, t)
		companyIDs[t.CompanyID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var (
		companies   map[int]identity.Company
		permissions map[int][]identity.Permission
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		companies, err = p.companies(gctx, setToSlice(companyIDs))
		return err
	})
	g.Go(func() error {
		var err error
		permissions, err = p.teamPermissions(gctx, teamIDs)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	teams := make([]identity.Team, 0, len(teamRows))
	for _, t := range teamRows {
		company, ok := companies[t.CompanyID]
		if !ok {
			return nil, fmt.Errorf("team %d references missing company %d", t.ID, t.CompanyID)
		}
		teams = append(teams, identity.Team{
			ID:             t.ID,
			Name:           t.Name,
			HierarchyIndex: t.HierarchyIndex,
			Company:        company,
			Permissions:    permissions[t.ID],
		})
	}
	return teams, nil
}

func (p *Postgres) companies(ctx context.Context, ids []int) (map[int]identity.Company, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, name FROM companies WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch companies: %w", err)
	}
	defer rows.Close()

	out := make(map[int]identity.Company, len(ids))
	for rows.Next() {
		var c identity.Company
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func (p *Postgres) teamPermissions(ctx context.Context, teamIDs []int) (map[int][]identity.Permission, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT team_id, permission_type, permission_scope
		 FROM team_permissions WHERE team_id = ANY($1)`, teamIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch team permissions: %w", err)
	}
	defer rows.Close()

	out := make(map[int][]identity.Permission)
	for rows.Next() {
		var (
			teamID   int
			ptype    string
			scopeRaw string
		)
		if err := rows.Scan(&teamID, &ptype, &scopeRaw); err != nil {
			return nil, fmt.Errorf("scan team permission: %w", err)
		}
		scope, ok := identity.ParseScope(scopeRaw)
		if !ok {
			return nil, fmt.Errorf("team %d has unknown permission scope %q", teamID, scopeRaw)
		}
		out[teamID] = append(out[teamID], identity.Permission{
			Type:  identity.PermissionType(ptype),
			Scope: scope,
		})
	}
	return out, rows.Err()
}

// QuoteByID returns the quote row, or nil when absent.
func (p *Postgres) QuoteByID(ctx context.Context, id int) (*resource.QuoteRecord, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, owner_id, reference, COALESCE(customer, ''), COALESCE(notes, ''), created_at
		 FROM quotes WHERE id = $1`, id)

	var q resource.QuoteRecord
	err := row.Scan(&q.ID, &q.OwnerID, &q.Reference, &q.Customer, &q.Notes, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch quote %d: %w", id, err)
	}
	return &q, nil
}

// QuoteDoors returns the door line items of a quote.
func (p *Postgres) QuoteDoors(ctx context.Context, id int) ([]resource.DoorRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, quote_id, kind, width_mm, height_mm, count
		 FROM quote_doors WHERE quote_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("fetch quote doors: %w", err)
	}
	defer rows.Close()

	var doors []resource.DoorRecord
	for rows.Next() {
		var d resource.DoorRecord
		if err := rows.Scan(&d.ID, &d.QuoteID, &d.Kind, &d.WidthMM, &d.HeightMM, &d.Count); err != nil {
			return nil, fmt.Errorf("scan quote door: %w", err)
		}
		doors = append(doors, d)
	}
	return doors, rows.Err()
}

// NextID draws the next value from the monotonic id generator.
func (p *Postgres) NextID(ctx context.Context) (int, error) {
	var id int
	err := p.pool.QueryRow(ctx,
		`INSERT INTO ids DEFAULT VALUES RETURNING id`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	return id, nil
}

func setToSlice(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
