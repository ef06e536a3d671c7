package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/bitfantasy/bidportal/internal/bid/entity"
	"github.com/bitfantasy/bidportal/internal/middleware"
	"github.com/bitfantasy/bidportal/internal/shared/notify"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	TestSchema = "test_bid"
	JWTSecret  = "bidportal-test-jwt-secret"
)

// TestEnv holds test environment resources
type TestEnv struct {
	DB     *gorm.DB
	Router *gin.Engine
	T      *testing.T
}

// projectRoot returns the project root directory by looking for go.mod
func projectRoot() string {
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// loadEnv loads .env from the project root
func loadEnv() {
	root := projectRoot()
	if root != "" {
		godotenv.Load(filepath.Join(root, ".env"))
	}
}

// SetupTestDB creates a test database connection using a dedicated test schema.
// Each test gets an isolated schema that is dropped after the test. Tests are
// skipped when no database is reachable.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	loadEnv()

	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "bidportal")
	password := getEnv("DB_PASSWORD", "bidportal")
	dbname := getEnv("DB_NAME", "bidportal")

	baseDSN := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable connect_timeout=3",
		host, port, user, password, dbname)

	schemaName := fmt.Sprintf("%s_%d", TestSchema, time.Now().UnixNano()%1000000000)

	setupDB, err := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Skipf("Postgres unavailable, skipping: %v", err)
	}
	if err := setupDB.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schemaName)).Error; err != nil {
		t.Skipf("Cannot create test schema, skipping: %v", err)
	}
	sqlSetup, _ := setupDB.DB()
	sqlSetup.Close()

	// search_path in DSN so every pooled connection uses the test schema
	testDSN := fmt.Sprintf("%s search_path=%s", baseDSN, schemaName)
	db, err := gorm.Open(postgres.Open(testDSN), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := db.AutoMigrate(entity.Models()...); err != nil {
		t.Fatalf("Failed to migrate test tables: %v", err)
	}

	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		cleanDB, cleanErr := gorm.Open(postgres.Open(baseDSN), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if cleanErr == nil {
			cleanDB.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
			sqlClean, _ := cleanDB.DB()
			if sqlClean != nil {
				sqlClean.Close()
			}
		}
	})

	return db
}

// SetupRouter creates a gin test router
func SetupRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// same as production default: forwarding headers are ignored
	_ = r.SetTrustedProxies(nil)
	r.Use(gin.Recovery())
	return r
}

// AuthGroup creates an API group with JWT auth middleware for testing
func AuthGroup(r *gin.Engine, path string) *gin.RouterGroup {
	return r.Group(path, middleware.JWTAuth(JWTSecret))
}

// GenerateTestToken creates a valid JWT for a staff user of one company
func GenerateTestToken(userID, companyID string, roles []string) string {
	if roles == nil {
		roles = []string{}
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":        userID,
		"uid":        userID,
		"name":       "Test " + userID,
		"email":      userID + "@test.com",
		"company_id": companyID,
		"roles":      roles,
		"perms":      []string{"*"},
		"iss":        "bidportal",
		"iat":        now.Unix(),
		"exp":        now.Add(24 * time.Hour).Unix(),
		"jti":        fmt.Sprintf("test-jti-%d", now.UnixNano()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, _ := token.SignedString([]byte(JWTSecret))
	return tokenString
}

// DoRequest executes an HTTP request against the test router
func DoRequest(r *gin.Engine, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ParseResponse parses the JSON response envelope
func ParseResponse(w *httptest.ResponseRecorder) map[string]interface{} {
	var result map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &result)
	return result
}

// Data returns the "data" object of a response envelope
func Data(w *httptest.ResponseRecorder) map[string]interface{} {
	data, _ := ParseResponse(w)["data"].(map[string]interface{})
	return data
}

func F64(v float64) *float64 { return &v }

// Fixture is one company with a project, an estimate and suppliers
type Fixture struct {
	Company   *entity.Company
	Project   *entity.Project
	Version   *entity.EstimateVersion
	Suppliers []entity.Supplier
}

// SeedFixture creates a company, project and estimate. The latest estimate
// has one drywall line with $500 material and $200 labor (item amount $700)
// and one plumbing line with $300 material. Two active suppliers and one
// inactive supplier are created.
func SeedFixture(t *testing.T, db *gorm.DB, prefix string) *Fixture {
	t.Helper()
	now := time.Now()

	f := &Fixture{
		Company: &entity.Company{ID: prefix + "-co", Name: "Company " + prefix, CreatedAt: now},
		Project: &entity.Project{
			ID: prefix + "-prj", CompanyID: prefix + "-co", Name: "Tower " + prefix,
			AddressLine1: "1 Main St", City: "Springfield", State: "IL",
		},
	}
	mustCreate(t, db, f.Company)
	mustCreate(t, db, f.Project)

	old := &entity.EstimateVersion{ID: prefix + "-ev1", ProjectID: f.Project.ID, SequenceNo: 1}
	f.Version = &entity.EstimateVersion{ID: prefix + "-ev2", ProjectID: f.Project.ID, SequenceNo: 2}
	mustCreate(t, db, old)
	mustCreate(t, db, f.Version)

	mustCreate(t, db, &entity.EstimateLine{
		ID: prefix + "-old", EstimateVersionID: old.ID, LineNo: 1, CategoryCode: "OLD",
		Description: "Superseded", MaterialAmount: F64(1),
	})
	mustCreate(t, db, &entity.EstimateLine{
		ID: prefix + "-l2", EstimateVersionID: f.Version.ID, LineNo: 2, CategoryCode: "PLM", SelectionCode: "FIX",
		Description: "Fixtures", Qty: F64(4), Unit: "EA", ItemAmount: F64(300), MaterialAmount: F64(300),
	})
	mustCreate(t, db, &entity.EstimateLine{
		ID: prefix + "-l1", EstimateVersionID: f.Version.ID, LineNo: 1, CategoryCode: "DRY", SelectionCode: "1/2+",
		Description: "Drywall 1/2in", Qty: F64(120), Unit: "SF", ItemAmount: F64(700), MaterialAmount: F64(500),
	})

	for i, name := range []string{"Acme Drywall", "Best Plumbing"} {
		s := entity.Supplier{
			ID: fmt.Sprintf("%s-sup%d", prefix, i+1), CompanyID: f.Company.ID, Code: fmt.Sprintf("S%d", i+1),
			Name: name, Email: fmt.Sprintf("bids%d@%s.test", i+1, prefix), IsActive: true,
		}
		mustCreate(t, db, &s)
		f.Suppliers = append(f.Suppliers, s)
	}
	inactive := entity.Supplier{
		ID: prefix + "-sup-off", CompanyID: f.Company.ID, Code: "SX", Name: "Gone Co", Email: "x@x.test", IsActive: true,
	}
	mustCreate(t, db, &inactive)
	db.Model(&inactive).Update("is_active", false)

	return f
}

func mustCreate(t *testing.T, db *gorm.DB, v interface{}) {
	t.Helper()
	if err := db.Create(v).Error; err != nil {
		t.Fatalf("Failed to seed %T: %v", v, err)
	}
}

// RecordingDispatcher captures invitations instead of sending them
type RecordingDispatcher struct {
	mu       sync.Mutex
	Messages []notify.Message
	Fail     error
}

func (d *RecordingDispatcher) Send(_ context.Context, msg notify.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		return d.Fail
	}
	d.Messages = append(d.Messages, msg)
	return nil
}

// Sent returns a copy of the captured messages
func (d *RecordingDispatcher) Sent() []notify.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Message(nil), d.Messages...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
