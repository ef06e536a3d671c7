package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bitfantasy/bidportal/internal/bid/credential"
	"github.com/bitfantasy/bidportal/internal/bid/entity"
	"github.com/bitfantasy/bidportal/internal/bid/kvstore"
	"github.com/bitfantasy/bidportal/internal/bid/ratelimit"
	"github.com/bitfantasy/bidportal/internal/bid/repository"
	"github.com/bitfantasy/bidportal/internal/bid/service"
	"github.com/bitfantasy/bidportal/internal/bid/sse"
	"github.com/bitfantasy/bidportal/internal/bid/testutil"
	"github.com/bitfantasy/bidportal/internal/bid/vault"
	"github.com/bitfantasy/bidportal/internal/middleware"
	"github.com/bitfantasy/bidportal/internal/shared/notify"
	"github.com/gin-gonic/gin"
)

const testPIN = "483920"

type bidTestEnv struct {
	*testutil.TestEnv
	fx         *testutil.Fixture
	issuer     *credential.Issuer
	pins       *vault.Vault
	dispatcher *testutil.RecordingDispatcher
	files      *service.MemoryFileStore
	token      string
	base       string
}

func setupBidTest(t *testing.T) *bidTestEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	fx := testutil.SeedFixture(t, db, "t1")

	store := kvstore.NewMemoryStore()
	issuer := credential.NewIssuer([]byte("handler-test-pin-secret"), nil)
	limiter := ratelimit.NewPINLimiter(store, ratelimit.DefaultConfig())
	pinVault, err := vault.New(store, []byte("handler-test-vault-key"), time.Hour)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	dispatcher := &testutil.RecordingDispatcher{}
	files := service.NewMemoryFileStore()
	hub := sse.NewHub(nil)

	repos := repository.NewRepositories(db)
	bidSvc := service.NewBidRequestService(repos, issuer, limiter, pinVault, dispatcher, service.BidRequestServiceConfig{
		PortalBaseURL:     "https://bids.example.test/bid",
		IdempotencySecret: []byte("handler-test-pin-secret"),
	}, nil)
	bidSvc.SetFileStore(files)
	bidSvc.SetHub(hub)
	portalSvc := service.NewPortalService(repos, issuer, limiter, nil)
	portalSvc.SetFileStore(files)
	portalSvc.SetHub(hub)

	router := testutil.SetupRouter()
	api := testutil.AuthGroup(router, "/api/v1")
	portal := router.Group("/bid-portal", middleware.PortalHeaders())
	NewHandlers(bidSvc, portalSvc, hub).RegisterRoutes(api, portal)

	return &bidTestEnv{
		TestEnv:    &testutil.TestEnv{DB: db, Router: router, T: t},
		fx:         fx,
		issuer:     issuer,
		pins:       pinVault,
		dispatcher: dispatcher,
		files:      files,
		token:      testutil.GenerateTestToken("u-1", fx.Company.ID, []string{middleware.AdminRole}),
		base:       fmt.Sprintf("/api/v1/projects/%s/bid-requests", fx.Project.ID),
	}
}

func (e *bidTestEnv) createBody() map[string]interface{} {
	return map[string]interface{}{
		"title": "Drywall package",
		"filter": map[string]interface{}{
			"categories": []string{"DRY"},
			"cost_types": []string{"MATERIAL", "LABOR"},
		},
		"supplier_ids": []string{e.fx.Suppliers[0].ID, e.fx.Suppliers[1].ID, "t1-sup-off", "missing"},
	}
}

// createRequest 创建询价单并返回ID
func (e *bidTestEnv) createRequest() string {
	e.T.Helper()
	w := testutil.DoRequest(e.Router, "POST", e.base, e.createBody(), e.token)
	if w.Code != http.StatusCreated {
		e.T.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	return testutil.Data(w)["id"].(string)
}

// sendRequest 发送并把每个接收方的PIN替换为已知值，返回供应商ID到令牌的映射
func (e *bidTestEnv) sendRequest(id string) map[string]string {
	e.T.Helper()
	w := testutil.DoRequest(e.Router, "POST", e.base+"/"+id+"/send", nil, e.token)
	if w.Code != http.StatusOK {
		e.T.Fatalf("send: status %d body %s", w.Code, w.Body.String())
	}
	digest, err := e.issuer.Digest(testPIN)
	if err != nil {
		e.T.Fatal(err)
	}
	var recipients []entity.BidRecipient
	e.DB.Where("bid_request_id = ?", id).Find(&recipients)
	tokens := map[string]string{}
	for _, r := range recipients {
		e.DB.Model(&entity.BidRecipient{}).Where("id = ?", r.ID).Update("access_pin_digest", digest)
		tokens[r.SupplierID] = r.AccessToken
	}
	return tokens
}

func (e *bidTestEnv) submitBody(id, pin string, price float64) map[string]interface{} {
	e.T.Helper()
	var items []entity.BidRequestItem
	e.DB.Where("bid_request_id = ?", id).Order("sort_order").Find(&items)
	var prices []map[string]interface{}
	for _, it := range items {
		prices = append(prices, map[string]interface{}{"item_id": it.ID, "unit_price": price})
	}
	return map[string]interface{}{
		"pin":            pin,
		"items":          prices,
		"notes":          "valid 30 days",
		"submitter_name": "Pat",
	}
}

func code(w *httptest.ResponseRecorder) int {
	c, _ := testutil.ParseResponse(w)["code"].(float64)
	return int(c)
}

func TestCreateBidRequest(t *testing.T) {
	env := setupBidTest(t)

	w := testutil.DoRequest(env.Router, "POST", env.base, env.createBody(), env.token)
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", w.Code, w.Body.String())
	}
	data := testutil.Data(w)

	items := data["items"].([]interface{})
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	first := items[0].(map[string]interface{})
	second := items[1].(map[string]interface{})
	if first["cost_type"] != "MATERIAL" || second["cost_type"] != "LABOR" {
		t.Errorf("cost types = %v, %v", first["cost_type"], second["cost_type"])
	}
	if first["quantity"].(float64) != 120 || first["unit"] != "SF" {
		t.Errorf("quantity/unit not copied: %v %v", first["quantity"], first["unit"])
	}
	if second["description"] != "Drywall 1/2in (Labor)" {
		t.Errorf("labor description = %v", second["description"])
	}

	recipients := data["recipients"].([]interface{})
	if len(recipients) != 2 {
		t.Fatalf("recipients = %d, want 2 active", len(recipients))
	}
	for _, r := range recipients {
		rm := r.(map[string]interface{})
		if rm["status"] != entity.RecipientStatusPending {
			t.Errorf("recipient status = %v", rm["status"])
		}
		if _, leaked := rm["access_token"]; leaked {
			t.Error("access token exposed in staff response")
		}
	}
	if data["status"] != entity.BidRequestStatusDraft {
		t.Errorf("status = %v", data["status"])
	}
}

func TestCreateBidRequest_Rejects(t *testing.T) {
	env := setupBidTest(t)

	body := env.createBody()
	body["filter"] = map[string]interface{}{"categories": []string{"ZZZ"}}
	w := testutil.DoRequest(env.Router, "POST", env.base, body, env.token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty extraction: status %d", w.Code)
	}

	body = env.createBody()
	body["filter"] = map[string]interface{}{"cost_types": []string{"PERMITS"}}
	w = testutil.DoRequest(env.Router, "POST", env.base, body, env.token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown cost type: status %d", w.Code)
	}

	body = env.createBody()
	body["supplier_ids"] = []string{"t1-sup-off"}
	w = testutil.DoRequest(env.Router, "POST", env.base, body, env.token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("no active suppliers: status %d", w.Code)
	}

	body = env.createBody()
	body["title"] = "  "
	w = testutil.DoRequest(env.Router, "POST", env.base, body, env.token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank title: status %d", w.Code)
	}

	// 无估算的项目
	bare := &entity.Project{ID: "t1-bare", CompanyID: env.fx.Company.ID, Name: "Bare"}
	env.DB.Create(bare)
	w = testutil.DoRequest(env.Router, "POST", "/api/v1/projects/t1-bare/bid-requests", env.createBody(), env.token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("no estimate: status %d", w.Code)
	}

	var count int64
	env.DB.Model(&entity.BidRequest{}).Count(&count)
	if count != 0 {
		t.Errorf("failed creates persisted %d requests", count)
	}
	env.DB.Model(&entity.BidRequestItem{}).Count(&count)
	if count != 0 {
		t.Errorf("failed creates persisted %d items", count)
	}
}

func TestFiltersAndList(t *testing.T) {
	env := setupBidTest(t)

	w := testutil.DoRequest(env.Router, "GET", env.base+"/filters", nil, env.token)
	if w.Code != http.StatusOK {
		t.Fatalf("filters: status %d", w.Code)
	}
	cats := testutil.Data(w)["categories"].([]interface{})
	if len(cats) != 2 || cats[0] != "DRY" || cats[1] != "PLM" {
		t.Errorf("categories = %v", cats)
	}

	env.createRequest()
	w = testutil.DoRequest(env.Router, "GET", env.base, nil, env.token)
	items := testutil.Data(w)["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("list = %d", len(items))
	}
	row := items[0].(map[string]interface{})
	if row["item_count"].(float64) != 2 || row["recipient_count"].(float64) != 2 {
		t.Errorf("counts = %v / %v", row["item_count"], row["recipient_count"])
	}
}

func TestSend_Idempotent(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()

	w := testutil.DoRequest(env.Router, "POST", env.base+"/"+id+"/send", nil, env.token)
	if w.Code != http.StatusOK {
		t.Fatalf("send: status %d body %s", w.Code, w.Body.String())
	}
	data := testutil.Data(w)
	if data["sent_count"].(float64) != 2 {
		t.Errorf("sent_count = %v", data["sent_count"])
	}
	sent := env.dispatcher.Sent()
	if len(sent) != 2 {
		t.Fatalf("dispatched %d invitations", len(sent))
	}
	for _, m := range sent {
		if !credential.ValidPINFormat(m.PIN) || m.IdempotencyKey == "" {
			t.Errorf("bad invitation: pin %q key %q", m.PIN, m.IdempotencyKey)
		}
	}

	var before []entity.BidRecipient
	env.DB.Where("bid_request_id = ?", id).Order("id").Find(&before)

	w = testutil.DoRequest(env.Router, "POST", env.base+"/"+id+"/send", nil, env.token)
	if w.Code != http.StatusOK || testutil.Data(w)["sent_count"].(float64) != 0 {
		t.Fatalf("second send: status %d body %s", w.Code, w.Body.String())
	}
	if len(env.dispatcher.Sent()) != 2 {
		t.Error("second send dispatched again")
	}

	var after []entity.BidRecipient
	env.DB.Where("bid_request_id = ?", id).Order("id").Find(&after)
	for i := range before {
		if before[i].AccessToken != after[i].AccessToken || after[i].Status != entity.RecipientStatusSent {
			t.Errorf("recipient %s changed on resend", before[i].ID)
		}
		if after[i].NotifyStatus != entity.NotifyStatusDelivered {
			t.Errorf("notify_status = %q", after[i].NotifyStatus)
		}
	}

	// 已发送的询价单不可删除
	w = testutil.DoRequest(env.Router, "DELETE", env.base+"/"+id, nil, env.token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("delete sent request: status %d", w.Code)
	}
}

func TestSend_DeliveryFailureIsRecorded(t *testing.T) {
	env := setupBidTest(t)
	// 未配置投递通道时同样记为失败，可重发
	env.dispatcher.Fail = notify.ErrNoRelay
	id := env.createRequest()

	w := testutil.DoRequest(env.Router, "POST", env.base+"/"+id+"/send", nil, env.token)
	if w.Code != http.StatusOK {
		t.Fatalf("send must not fail on delivery error: %d", w.Code)
	}
	recipients := testutil.Data(w)["recipients"].([]interface{})
	for _, r := range recipients {
		if r.(map[string]interface{})["notify_status"] != entity.NotifyStatusFailed {
			t.Errorf("notify_status = %v", r.(map[string]interface{})["notify_status"])
		}
	}

	// 投递恢复后使用暂存PIN重发
	env.dispatcher.Fail = nil
	var rcp entity.BidRecipient
	env.DB.Where("bid_request_id = ?", id).First(&rcp)
	w = testutil.DoRequest(env.Router, "POST", env.base+"/"+id+"/recipients/"+rcp.ID+"/resend", nil, env.token)
	if w.Code != http.StatusOK || testutil.Data(w)["notify_status"] != entity.NotifyStatusDelivered {
		t.Fatalf("resend: status %d body %s", w.Code, w.Body.String())
	}
	sent := env.dispatcher.Sent()
	if len(sent) != 1 {
		t.Fatalf("resend dispatched %d", len(sent))
	}
	var reloaded entity.BidRecipient
	env.DB.First(&reloaded, "id = ?", rcp.ID)
	if !env.issuer.Verify(sent[0].PIN, reloaded.AccessPinDigest) {
		t.Error("resent PIN does not match stored digest")
	}
}

func TestSend_DeliveredPINNotRetained(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()

	w := testutil.DoRequest(env.Router, "POST", env.base+"/"+id+"/send", nil, env.token)
	if w.Code != http.StatusOK {
		t.Fatalf("send: status %d body %s", w.Code, w.Body.String())
	}
	firstPINs := map[string]bool{}
	for _, m := range env.dispatcher.Sent() {
		firstPINs[m.PIN] = true
	}

	var recipients []entity.BidRecipient
	env.DB.Where("bid_request_id = ?", id).Order("id").Find(&recipients)
	for _, r := range recipients {
		if _, err := env.pins.Get(context.Background(), r.ID); !errors.Is(err, vault.ErrMissing) {
			t.Errorf("recipient %s: PIN still held after delivery (err %v)", r.ID, err)
		}
	}

	// 已投递的接收方重发时重新生成PIN
	rcp := recipients[0]
	w = testutil.DoRequest(env.Router, "POST", env.base+"/"+id+"/recipients/"+rcp.ID+"/resend", nil, env.token)
	if w.Code != http.StatusOK || testutil.Data(w)["notify_status"] != entity.NotifyStatusDelivered {
		t.Fatalf("resend: status %d body %s", w.Code, w.Body.String())
	}
	sent := env.dispatcher.Sent()
	if len(sent) != 3 {
		t.Fatalf("dispatched %d invitations, want 3", len(sent))
	}
	newPIN := sent[2].PIN

	var reloaded entity.BidRecipient
	env.DB.First(&reloaded, "id = ?", rcp.ID)
	if reloaded.AccessPinDigest == rcp.AccessPinDigest {
		t.Error("digest unchanged after resend of a delivered recipient")
	}
	if reloaded.AccessToken != rcp.AccessToken {
		t.Error("resend must keep the access token")
	}
	if !env.issuer.Verify(newPIN, reloaded.AccessPinDigest) {
		t.Error("resent PIN does not match stored digest")
	}
	for old := range firstPINs {
		if old != newPIN && env.issuer.Verify(old, reloaded.AccessPinDigest) {
			t.Errorf("previous PIN %s still verifies", old)
		}
	}
	if _, err := env.pins.Get(context.Background(), rcp.ID); !errors.Is(err, vault.ErrMissing) {
		t.Errorf("rotated PIN held after delivery: %v", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()

	w := testutil.DoRequest(env.Router, "PUT", env.base+"/"+id, map[string]interface{}{"notes": "bring samples"}, env.token)
	if w.Code != http.StatusOK {
		t.Fatalf("update: status %d", w.Code)
	}
	data := testutil.Data(w)
	if data["notes"] != "bring samples" || data["title"] != "Drywall package" {
		t.Errorf("partial update: title %v notes %v", data["title"], data["notes"])
	}

	w = testutil.DoRequest(env.Router, "PUT", env.base+"/"+id, map[string]interface{}{"title": ""}, env.token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty title update: status %d", w.Code)
	}

	w = testutil.DoRequest(env.Router, "DELETE", env.base+"/"+id, nil, env.token)
	if w.Code != http.StatusOK {
		t.Fatalf("delete draft: status %d", w.Code)
	}
	var count int64
	env.DB.Model(&entity.BidRecipient{}).Where("bid_request_id = ?", id).Count(&count)
	if count != 0 {
		t.Errorf("recipients left after delete: %d", count)
	}
	w = testutil.DoRequest(env.Router, "GET", env.base+"/"+id, nil, env.token)
	if w.Code != http.StatusNotFound {
		t.Errorf("get deleted: status %d", w.Code)
	}
}

func TestUpdate_ClearDueDate(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()

	due := time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339)
	w := testutil.DoRequest(env.Router, "PUT", env.base+"/"+id, map[string]interface{}{"due_date": due}, env.token)
	if w.Code != http.StatusOK || testutil.Data(w)["due_date"] == nil {
		t.Fatalf("set due_date: status %d body %s", w.Code, w.Body.String())
	}

	w = testutil.DoRequest(env.Router, "PUT", env.base+"/"+id, map[string]interface{}{"due_date": due, "clear_due_date": true}, env.token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("set and clear together: status %d", w.Code)
	}

	w = testutil.DoRequest(env.Router, "PUT", env.base+"/"+id, map[string]interface{}{"clear_due_date": true}, env.token)
	if w.Code != http.StatusOK {
		t.Fatalf("clear due_date: status %d body %s", w.Code, w.Body.String())
	}
	if got := testutil.Data(w)["due_date"]; got != nil {
		t.Errorf("due_date = %v, want null", got)
	}
	var req entity.BidRequest
	env.DB.First(&req, "id = ?", id)
	if req.DueDate != nil {
		t.Errorf("stored due_date = %v", req.DueDate)
	}
}

func TestTenantIsolation(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()

	other := testutil.SeedFixture(t, env.DB, "t2")
	otherToken := testutil.GenerateTestToken("u-2", other.Company.ID, []string{middleware.AdminRole})

	for _, tc := range []struct{ method, path string }{
		{"GET", env.base + "/" + id},
		{"PUT", env.base + "/" + id},
		{"DELETE", env.base + "/" + id},
		{"POST", env.base + "/" + id + "/send"},
		{"GET", fmt.Sprintf("/api/v1/projects/%s/bid-requests/%s", other.Project.ID, id)},
	} {
		w := testutil.DoRequest(env.Router, tc.method, tc.path, map[string]interface{}{"title": "x"}, otherToken)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s %s: status %d, want 404", tc.method, tc.path, w.Code)
		}
	}

	w := testutil.DoRequest(env.Router, "GET", env.base+"/"+id, nil, env.token)
	if w.Code != http.StatusOK || testutil.Data(w)["status"] != entity.BidRequestStatusDraft {
		t.Errorf("owner view changed: %d", w.Code)
	}
}

func TestRecipients_AddRemove(t *testing.T) {
	env := setupBidTest(t)

	body := env.createBody()
	body["supplier_ids"] = []string{env.fx.Suppliers[0].ID}
	w := testutil.DoRequest(env.Router, "POST", env.base, body, env.token)
	id := testutil.Data(w)["id"].(string)

	w = testutil.DoRequest(env.Router, "POST", env.base+"/"+id+"/recipients", map[string]string{"supplier_id": env.fx.Suppliers[0].ID}, env.token)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate supplier: status %d", w.Code)
	}
	w = testutil.DoRequest(env.Router, "POST", env.base+"/"+id+"/recipients", map[string]string{"supplier_id": "t1-sup-off"}, env.token)
	if w.Code != http.StatusNotFound {
		t.Errorf("inactive supplier: status %d", w.Code)
	}
	w = testutil.DoRequest(env.Router, "POST", env.base+"/"+id+"/recipients", map[string]string{"supplier_id": env.fx.Suppliers[1].ID}, env.token)
	if w.Code != http.StatusCreated {
		t.Fatalf("add: status %d body %s", w.Code, w.Body.String())
	}
	added := testutil.Data(w)["id"].(string)

	tokens := env.sendRequest(id)
	respondToken := tokens[env.fx.Suppliers[0].ID]
	w = testutil.DoRequest(env.Router, "POST", "/bid-portal/"+respondToken+"/submit", env.submitBody(id, testPIN, 2), "")
	if w.Code != http.StatusOK {
		t.Fatalf("submit: status %d body %s", w.Code, w.Body.String())
	}

	var responded entity.BidRecipient
	env.DB.Where("bid_request_id = ? AND supplier_id = ?", id, env.fx.Suppliers[0].ID).First(&responded)
	w = testutil.DoRequest(env.Router, "DELETE", env.base+"/"+id+"/recipients/"+responded.ID, nil, env.token)
	if w.Code != http.StatusConflict {
		t.Errorf("remove responded: status %d, want 409", w.Code)
	}
	var count int64
	env.DB.Model(&entity.BidResponse{}).Where("recipient_id = ?", responded.ID).Count(&count)
	if count != 1 {
		t.Errorf("response removed by failed delete")
	}

	w = testutil.DoRequest(env.Router, "DELETE", env.base+"/"+id+"/recipients/"+added, nil, env.token)
	if w.Code != http.StatusOK {
		t.Errorf("remove unresponded: status %d", w.Code)
	}
}

func TestPortal_HappyPath(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()
	tokens := env.sendRequest(id)
	token := tokens[env.fx.Suppliers[0].ID]

	w := testutil.DoRequest(env.Router, "GET", "/bid-portal/"+token, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("info: status %d", w.Code)
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Error("portal response is cacheable")
	}
	info := testutil.Data(w)
	if info["supplier_name"] != "Acme Drywall" || info["company_name"] != "Company t1" || info["has_responded"] != false {
		t.Errorf("info = %v", info)
	}
	if _, leaked := info["recipient_id"]; leaked {
		t.Error("recipient id exposed")
	}

	w = testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/verify", map[string]string{"pin": testPIN}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("verify: status %d body %s", w.Code, w.Body.String())
	}
	pkg := testutil.Data(w)
	if len(pkg["items"].([]interface{})) != 2 || pkg["response"] != nil {
		t.Errorf("package = %v", pkg)
	}

	w = testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/submit", env.submitBody(id, testPIN, 3), "")
	if w.Code != http.StatusOK {
		t.Fatalf("submit: status %d body %s", w.Code, w.Body.String())
	}
	resp := testutil.Data(w)
	if resp["revision"].(float64) != 1 || resp["total_amount"].(float64) != 720 {
		t.Errorf("response = %v", resp)
	}

	// 重复提交覆盖原报价
	w = testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/submit", env.submitBody(id, testPIN, 4), "")
	if w.Code != http.StatusOK || testutil.Data(w)["revision"].(float64) != 2 {
		t.Fatalf("resubmit: status %d body %s", w.Code, w.Body.String())
	}
	var count int64
	env.DB.Model(&entity.BidResponse{}).Where("bid_request_id = ?", id).Count(&count)
	if count != 1 {
		t.Errorf("responses = %d, want 1", count)
	}
	env.DB.Model(&entity.BidResponseItem{}).Count(&count)
	if count != 2 {
		t.Errorf("response items = %d, want 2", count)
	}

	w = testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/verify", map[string]string{"pin": testPIN}, "")
	prior := testutil.Data(w)["response"].(map[string]interface{})
	if prior["total_amount"].(float64) != 960 {
		t.Errorf("prior response total = %v", prior["total_amount"])
	}

	var rcp entity.BidRecipient
	env.DB.Where("access_token = ?", token).First(&rcp)
	if rcp.Status != entity.RecipientStatusResponded || rcp.ViewedAt == nil || rcp.RespondedAt == nil {
		t.Errorf("recipient = %+v", rcp)
	}

	w = testutil.DoRequest(env.Router, "GET", env.base+"/"+id+"/export", nil, env.token)
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Errorf("export: status %d", w.Code)
	}
}

func TestPortal_ConcurrentSubmit(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()
	token := env.sendRequest(id)[env.fx.Suppliers[0].ID]

	const n = 8
	bodies := make([]map[string]interface{}, n)
	for i := range bodies {
		bodies[i] = env.submitBody(id, testPIN, float64(i+1))
	}

	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/submit", bodies[i], "")
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	for i, c := range codes {
		if c != http.StatusOK {
			t.Errorf("submit %d: status %d", i, c)
		}
	}

	var responses []entity.BidResponse
	env.DB.Where("bid_request_id = ?", id).Find(&responses)
	if len(responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(responses))
	}
	if responses[0].Revision != n {
		t.Errorf("revision = %d, want %d", responses[0].Revision, n)
	}

	var itemCount, responseItems int64
	env.DB.Model(&entity.BidRequestItem{}).Where("bid_request_id = ?", id).Count(&itemCount)
	env.DB.Model(&entity.BidResponseItem{}).Where("response_id = ?", responses[0].ID).Count(&responseItems)
	if responseItems != itemCount {
		t.Errorf("response items = %d, want %d", responseItems, itemCount)
	}

	// 明细与表头来自同一次提交
	var items []entity.BidResponseItem
	env.DB.Where("response_id = ?", responses[0].ID).Find(&items)
	var requested []entity.BidRequestItem
	env.DB.Where("bid_request_id = ?", id).Find(&requested)
	var qty float64
	for _, it := range requested {
		qty += it.Quantity
	}
	for _, it := range items {
		if it.UnitPrice != items[0].UnitPrice {
			t.Fatalf("items mix submissions: %v vs %v", it.UnitPrice, items[0].UnitPrice)
		}
	}
	if len(items) > 0 && items[0].UnitPrice*qty != responses[0].TotalAmount {
		t.Errorf("header total %v does not match item price %v", responses[0].TotalAmount, items[0].UnitPrice)
	}
}

func TestPortal_IncompleteSubmission(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()
	token := env.sendRequest(id)[env.fx.Suppliers[0].ID]

	body := env.submitBody(id, testPIN, 1)
	body["items"] = body["items"].([]map[string]interface{})[:1]
	w := testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/submit", body, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("partial prices: status %d", w.Code)
	}

	var count int64
	env.DB.Model(&entity.BidResponse{}).Count(&count)
	if count != 0 {
		t.Errorf("partial submission persisted")
	}
}

func TestPortal_GenericFailures(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()

	var pending entity.BidRecipient
	env.DB.Where("bid_request_id = ?", id).First(&pending)

	unknown := testutil.DoRequest(env.Router, "GET", "/bid-portal/not-a-token", nil, "")
	notSent := testutil.DoRequest(env.Router, "GET", "/bid-portal/"+pending.AccessToken, nil, "")

	token := env.sendRequest(id)[env.fx.Suppliers[0].ID]
	wrongPIN := testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/verify", map[string]string{"pin": "000001"}, "")
	badFormat := testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/verify", map[string]string{"pin": "12ab"}, "")

	want := unknown.Body.String()
	for name, w := range map[string]*httptest.ResponseRecorder{
		"unknown": unknown, "not sent": notSent, "wrong pin": wrongPIN, "bad format": badFormat,
	} {
		if w.Code != http.StatusUnauthorized || code(w) != 40100 {
			t.Errorf("%s: status %d code %d", name, w.Code, code(w))
		}
		if w.Body.String() != want {
			t.Errorf("%s: body %s differs from %s", name, w.Body.String(), want)
		}
	}
}

func TestPortal_MalformedPINCountsAsFailure(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()
	token := env.sendRequest(id)[env.fx.Suppliers[0].ID]

	wrong := testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/verify", map[string]string{"pin": "000001"}, "")
	malformed := []string{"", "12ab", "1234567", "48392", " 483920", "４８３９２０", "abcdef", "48392O", "-48392"}
	for i, pin := range malformed {
		w := testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/verify", map[string]string{"pin": pin}, "")
		if w.Code != http.StatusUnauthorized || w.Body.String() != wrong.Body.String() {
			t.Fatalf("malformed %d %q: status %d body %s", i, pin, w.Code, w.Body.String())
		}
	}

	// 一次格式正确的错误PIN加九次格式错误，达到锁定上限
	w := testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/verify", map[string]string{"pin": testPIN}, "")
	if w.Code != http.StatusTooManyRequests || code(w) != 42900 {
		t.Errorf("after malformed attempts: status %d code %d", w.Code, code(w))
	}
}

func TestPortal_BruteForceLockout(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()
	token := env.sendRequest(id)[env.fx.Suppliers[0].ID]

	for i := 1; i <= 10; i++ {
		w := testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/verify", map[string]string{"pin": fmt.Sprintf("%06d", i)}, "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i, w.Code)
		}
	}

	w := testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/verify", map[string]string{"pin": testPIN}, "")
	if w.Code != http.StatusTooManyRequests || code(w) != 42900 {
		t.Fatalf("11th attempt with correct PIN: status %d code %d", w.Code, code(w))
	}

	var rcp entity.BidRecipient
	env.DB.Where("access_token = ?", token).First(&rcp)
	if rcp.PinLockedUntil == nil {
		t.Error("lockout not persisted")
	}

	// 管理员重新生成PIN解除锁定
	w = testutil.DoRequest(env.Router, "POST", env.base+"/"+id+"/recipients/"+rcp.ID+"/reissue", nil, env.token)
	if w.Code != http.StatusOK {
		t.Fatalf("reissue: status %d body %s", w.Code, w.Body.String())
	}
	sent := env.dispatcher.Sent()
	newPIN := sent[len(sent)-1].PIN
	w = testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/verify", map[string]string{"pin": newPIN}, "")
	if w.Code != http.StatusOK {
		t.Errorf("verify with reissued PIN: status %d", w.Code)
	}
	if newPIN != testPIN {
		w = testutil.DoRequest(env.Router, "POST", "/bid-portal/"+token+"/verify", map[string]string{"pin": testPIN}, "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("old PIN still valid: status %d", w.Code)
		}
	}
}

// verifyFrom 以指定连接地址和X-Forwarded-For提交PIN
func (e *bidTestEnv) verifyFrom(token, pin, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{"pin": pin})
	req := httptest.NewRequest("POST", "/bid-portal/"+token+"/verify", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}

func TestPortal_IPBudgetIgnoresForwardedFor(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()
	token := env.sendRequest(id)[env.fx.Suppliers[0].ID]

	const attacker = "203.0.113.7:40000"
	budget := ratelimit.DefaultConfig().IPMaxAttempts
	for i := 0; i < budget; i++ {
		w := env.verifyFrom(fmt.Sprintf("unknown-token-%d", i), testPIN, attacker, fmt.Sprintf("198.51.100.%d", i%250+1))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d", i+1, w.Code)
		}
	}

	// 伪造的转发地址不能换出新的尝试额度
	w := env.verifyFrom(token, testPIN, attacker, "192.0.2.99")
	if w.Code != http.StatusTooManyRequests || code(w) != 42900 {
		t.Fatalf("over budget with spoofed X-Forwarded-For: status %d code %d", w.Code, code(w))
	}

	w = env.verifyFrom(token, testPIN, "203.0.113.8:40000", "")
	if w.Code != http.StatusOK {
		t.Errorf("other address: status %d body %s", w.Code, w.Body.String())
	}
}

func TestReissue_RequiresAdmin(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()
	env.sendRequest(id)
	var rcp entity.BidRecipient
	env.DB.Where("bid_request_id = ?", id).First(&rcp)

	staff := testutil.GenerateTestToken("u-3", env.fx.Company.ID, []string{"estimator"})
	w := testutil.DoRequest(env.Router, "POST", env.base+"/"+id+"/recipients/"+rcp.ID+"/reissue", nil, staff)
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin reissue: status %d", w.Code)
	}
}

func TestPortal_DeclineRules(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()
	tokens := env.sendRequest(id)
	declineToken := tokens[env.fx.Suppliers[0].ID]
	respondToken := tokens[env.fx.Suppliers[1].ID]

	for i := 0; i < 2; i++ {
		w := testutil.DoRequest(env.Router, "POST", "/bid-portal/"+declineToken+"/decline", map[string]string{"pin": testPIN, "reason": "busy"}, "")
		if w.Code != http.StatusOK || testutil.Data(w)["has_declined"] != true {
			t.Fatalf("decline %d: status %d body %s", i, w.Code, w.Body.String())
		}
	}
	w := testutil.DoRequest(env.Router, "POST", "/bid-portal/"+declineToken+"/submit", env.submitBody(id, testPIN, 1), "")
	if w.Code != http.StatusConflict {
		t.Errorf("submit after decline: status %d", w.Code)
	}

	w = testutil.DoRequest(env.Router, "POST", "/bid-portal/"+respondToken+"/submit", env.submitBody(id, testPIN, 1), "")
	if w.Code != http.StatusOK {
		t.Fatalf("submit: status %d", w.Code)
	}
	w = testutil.DoRequest(env.Router, "POST", "/bid-portal/"+respondToken+"/decline", map[string]string{"pin": testPIN}, "")
	if w.Code != http.StatusConflict {
		t.Errorf("decline after respond: status %d", w.Code)
	}

	// 全部答复后询价单不可再修改
	w = testutil.DoRequest(env.Router, "PUT", env.base+"/"+id, map[string]interface{}{"notes": "late"}, env.token)
	if w.Code != http.StatusConflict {
		t.Errorf("update closed request: status %d", w.Code)
	}
}

func TestPortal_Attachment(t *testing.T) {
	env := setupBidTest(t)
	id := env.createRequest()
	token := env.sendRequest(id)[env.fx.Suppliers[0].ID]

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("pin", testPIN)
	fw, _ := mw.CreateFormFile("file", "../quote.pdf")
	fw.Write([]byte("%PDF-1.4 quote"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/bid-portal/"+token+"/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: status %d body %s", w.Code, w.Body.String())
	}
	if testutil.Data(w)["file_name"] != "quote.pdf" {
		t.Errorf("file_name = %v", testutil.Data(w)["file_name"])
	}

	var att entity.BidAttachment
	if err := env.DB.Where("bid_request_id = ?", id).First(&att).Error; err != nil {
		t.Fatalf("attachment row: %v", err)
	}
	if content, ok := env.files.Object(att.ObjectKey); !ok || string(content) != "%PDF-1.4 quote" {
		t.Errorf("stored object = %q, %v", content, ok)
	}

	w = testutil.DoRequest(env.Router, "GET", env.base+"/"+id+"/attachments/"+att.ID, nil, env.token)
	if w.Code != http.StatusOK || testutil.Data(w)["url"] == "" {
		t.Errorf("attachment url: status %d body %s", w.Code, w.Body.String())
	}
}

func TestRespondPortalError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err      error
		status   int
		wantCode int
		message  string
	}{
		{service.ErrPortalAccess, 401, 40100, "Invalid passcode or link"},
		{service.NotFoundf("bid request not found"), 401, 40100, "Invalid passcode or link"},
		{service.ErrRateLimited, 429, 42900, service.ErrRateLimited.Message},
		{service.FieldError("items", "all 2 items must be priced, got 1"), 400, 40000, "items: all 2 items must be priced, got 1"},
		{service.Conflictf("bid has already been declined"), 409, 40900, "bid has already been declined"},
		{errors.New("pq: connection refused"), 500, 50000, "internal server error"},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		respondPortalError(c, tt.err)
		if w.Code != tt.status || code(w) != tt.wantCode {
			t.Errorf("%v: status %d code %d", tt.err, w.Code, code(w))
		}
		if msg := testutil.ParseResponse(w)["message"]; msg != tt.message {
			t.Errorf("%v: message %q", tt.err, msg)
		}
	}
}

func TestRespondError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	respondError(c, service.NotFoundf("recipient not found"))
	if w.Code != http.StatusNotFound || code(w) != 40400 {
		t.Errorf("not found: status %d code %d", w.Code, code(w))
	}
	if testutil.ParseResponse(w)["message"] != "recipient not found" {
		t.Errorf("message = %v", testutil.ParseResponse(w)["message"])
	}
}
