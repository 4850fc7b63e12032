package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/openmall/pointspay/internal/clock"
	pointsdomain "github.com/openmall/pointspay/internal/points/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testDBSeq int

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	testDBSeq++
	dsn := fmt.Sprintf("file:points_test_%d?mode=memory&cache=shared", testDBSeq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(
		&pointsdomain.PointsBalance{},
		&pointsdomain.PointsTransaction{},
		&pointsdomain.AdjustmentAuditLog{},
	); err != nil {
		t.Fatal(err)
	}

	node, _ := snowflake.NewNode(1)
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}).(*Service)
	return svc, db
}

func TestCredit_CreatesBalanceRow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := svc.genID.Generate()

	record, err := svc.Credit(ctx, userID, 100, pointsdomain.ReasonSignin, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), record.Delta)
	assert.Equal(t, int64(100), record.BalanceAfter)

	balance, err := svc.Balance(ctx, userID)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)
	assert.Equal(t, int64(100), balance.TotalEarned)
}

func TestCredit_AccumulatesTotalEarned(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := svc.genID.Generate()

	_, err := svc.Credit(ctx, userID, 100, pointsdomain.ReasonSignin, nil)
	assert.NoError(t, err)
	_, err = svc.Debit(ctx, userID, 40, pointsdomain.ReasonExchange)
	assert.NoError(t, err)
	_, err = svc.Credit(ctx, userID, 60, pointsdomain.ReasonTask, nil)
	assert.NoError(t, err)

	balance, err := svc.Balance(ctx, userID)
	assert.NoError(t, err)
	assert.Equal(t, int64(120), balance.Balance)
	// Debits never reduce the lifetime earned counter.
	assert.Equal(t, int64(160), balance.TotalEarned)
}

func TestDebit_InsufficientBalance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := svc.genID.Generate()

	_, err := svc.Credit(ctx, userID, 100, pointsdomain.ReasonSignin, nil)
	assert.NoError(t, err)

	_, err = svc.Debit(ctx, userID, 150, pointsdomain.ReasonExchange)
	assert.ErrorIs(t, err, pointsdomain.ErrInsufficientBalance)

	// The failed debit leaves no trace: balance intact, no ledger entry.
	balance, err := svc.Balance(ctx, userID)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)

	records, _, err := svc.ListTransactions(ctx, userID, 0, 10)
	assert.NoError(t, err)
	assert.Len(t, records, 1)

	// The user can still be credited afterwards.
	record, err := svc.Credit(ctx, userID, 50, pointsdomain.ReasonOrderRefund, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(150), record.BalanceAfter)
}

func TestDebit_UnknownUser(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Debit(context.Background(), svc.genID.Generate(), 10, pointsdomain.ReasonExchange)
	assert.ErrorIs(t, err, pointsdomain.ErrInsufficientBalance)
}

func TestLedger_InvalidAmounts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := svc.genID.Generate()

	_, err := svc.Credit(ctx, userID, 0, pointsdomain.ReasonSignin, nil)
	assert.ErrorIs(t, err, pointsdomain.ErrInvalidAmount)
	_, err = svc.Credit(ctx, userID, -5, pointsdomain.ReasonSignin, nil)
	assert.ErrorIs(t, err, pointsdomain.ErrInvalidAmount)
	_, err = svc.Debit(ctx, userID, 0, pointsdomain.ReasonExchange)
	assert.ErrorIs(t, err, pointsdomain.ErrInvalidAmount)
}

func TestLedger_PairsTransactionWithBalance(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := svc.genID.Generate()
	orderID := svc.genID.Generate()

	_, err := svc.Credit(ctx, userID, 30, pointsdomain.ReasonOrderPaid, &orderID)
	assert.NoError(t, err)
	_, err = svc.Debit(ctx, userID, 10, pointsdomain.ReasonExchange)
	assert.NoError(t, err)

	var records []pointsdomain.PointsTransaction
	assert.NoError(t, db.Where("user_id = ?", userID).Order("id asc").Find(&records).Error)
	assert.Len(t, records, 2)

	assert.Equal(t, int64(30), records[0].Delta)
	assert.Equal(t, int64(30), records[0].BalanceAfter)
	assert.NotNil(t, records[0].RelatedOrderID)
	assert.Equal(t, orderID, *records[0].RelatedOrderID)

	assert.Equal(t, int64(-10), records[1].Delta)
	assert.Equal(t, int64(20), records[1].BalanceAfter)
	assert.Nil(t, records[1].RelatedOrderID)
}

func TestAdjust_GiftAndDeduct(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	operatorID := svc.genID.Generate()
	userID := svc.genID.Generate()

	entry, err := svc.Adjust(ctx, operatorID, userID, pointsdomain.AdjustmentTypeGift, 200)
	assert.NoError(t, err)
	assert.Equal(t, pointsdomain.AdjustmentTypeGift, entry.AdjustmentType)
	assert.False(t, entry.Revoked)
	assert.NotZero(t, entry.RelatedTransactionID)

	_, err = svc.Adjust(ctx, operatorID, userID, pointsdomain.AdjustmentTypeDeduct, 50)
	assert.NoError(t, err)

	balance, err := svc.Balance(ctx, userID)
	assert.NoError(t, err)
	assert.Equal(t, int64(150), balance.Balance)

	records, _, err := svc.ListTransactions(ctx, userID, 0, 10)
	assert.NoError(t, err)
	assert.Len(t, records, 2)
	for _, record := range records {
		assert.Equal(t, pointsdomain.ReasonAdminAdjust, record.Reason)
		assert.NotNil(t, record.CreatedBy)
		assert.Equal(t, operatorID, *record.CreatedBy)
	}
}

func TestAdjust_DeductBeyondBalance(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	operatorID := svc.genID.Generate()
	userID := svc.genID.Generate()

	_, err := svc.Credit(ctx, userID, 30, pointsdomain.ReasonSignin, nil)
	assert.NoError(t, err)

	_, err = svc.Adjust(ctx, operatorID, userID, pointsdomain.AdjustmentTypeDeduct, 100)
	assert.ErrorIs(t, err, pointsdomain.ErrInsufficientBalance)

	var count int64
	assert.NoError(t, db.Model(&pointsdomain.AdjustmentAuditLog{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRevoke_Gift(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	operatorID := svc.genID.Generate()
	userID := svc.genID.Generate()

	entry, err := svc.Adjust(ctx, operatorID, userID, pointsdomain.AdjustmentTypeGift, 200)
	assert.NoError(t, err)

	revoked, err := svc.Revoke(ctx, operatorID, entry.ID)
	assert.NoError(t, err)
	assert.True(t, revoked.Revoked)
	assert.NotNil(t, revoked.RevokedAt)

	balance, err := svc.Balance(ctx, userID)
	assert.NoError(t, err)
	assert.Zero(t, balance.Balance)

	records, _, err := svc.ListTransactions(ctx, userID, 0, 10)
	assert.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, pointsdomain.ReasonAdminRevoke, records[0].Reason)
	assert.Equal(t, int64(-200), records[0].Delta)
}

func TestRevoke_Deduct(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	operatorID := svc.genID.Generate()
	userID := svc.genID.Generate()

	_, err := svc.Credit(ctx, userID, 100, pointsdomain.ReasonSignin, nil)
	assert.NoError(t, err)
	entry, err := svc.Adjust(ctx, operatorID, userID, pointsdomain.AdjustmentTypeDeduct, 60)
	assert.NoError(t, err)

	_, err = svc.Revoke(ctx, operatorID, entry.ID)
	assert.NoError(t, err)

	balance, err := svc.Balance(ctx, userID)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)
}

func TestRevoke_SingleShot(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	operatorID := svc.genID.Generate()
	userID := svc.genID.Generate()

	entry, err := svc.Adjust(ctx, operatorID, userID, pointsdomain.AdjustmentTypeGift, 50)
	assert.NoError(t, err)

	_, err = svc.Revoke(ctx, operatorID, entry.ID)
	assert.NoError(t, err)
	_, err = svc.Revoke(ctx, operatorID, entry.ID)
	assert.ErrorIs(t, err, pointsdomain.ErrAlreadyRevoked)

	balance, err := svc.Balance(ctx, userID)
	assert.NoError(t, err)
	assert.Zero(t, balance.Balance)
}

func TestRevoke_NotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Revoke(context.Background(), svc.genID.Generate(), svc.genID.Generate())
	assert.ErrorIs(t, err, pointsdomain.ErrNotFound)
}

func TestRevoke_GiftAlreadySpent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	operatorID := svc.genID.Generate()
	userID := svc.genID.Generate()

	entry, err := svc.Adjust(ctx, operatorID, userID, pointsdomain.AdjustmentTypeGift, 100)
	assert.NoError(t, err)
	_, err = svc.Debit(ctx, userID, 80, pointsdomain.ReasonExchange)
	assert.NoError(t, err)

	// Reversing the gift would overdraw; the whole revoke rolls back.
	_, err = svc.Revoke(ctx, operatorID, entry.ID)
	assert.ErrorIs(t, err, pointsdomain.ErrInsufficientBalance)

	var reloaded pointsdomain.AdjustmentAuditLog
	assert.NoError(t, db.First(&reloaded, "id = ?", entry.ID).Error)
	assert.False(t, reloaded.Revoked)

	balance, err := svc.Balance(ctx, userID)
	assert.NoError(t, err)
	assert.Equal(t, int64(20), balance.Balance)
}

func TestBalance_UnknownUserIsZero(t *testing.T) {
	svc, _ := newTestService(t)
	userID := svc.genID.Generate()

	balance, err := svc.Balance(context.Background(), userID)
	assert.NoError(t, err)
	assert.Equal(t, userID, balance.UserID)
	assert.Zero(t, balance.Balance)
}

func TestListTransactions_CursorPagination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := svc.genID.Generate()

	for i := 0; i < 5; i++ {
		_, err := svc.Credit(ctx, userID, 10, pointsdomain.ReasonTask, nil)
		assert.NoError(t, err)
	}

	page, hasMore, err := svc.ListTransactions(ctx, userID, 0, 2)
	assert.NoError(t, err)
	assert.Len(t, page, 2)
	assert.True(t, hasMore)
	assert.Greater(t, int64(page[0].ID), int64(page[1].ID))

	cursor := int64(page[len(page)-1].ID)
	rest, hasMore, err := svc.ListTransactions(ctx, userID, cursor, 10)
	assert.NoError(t, err)
	assert.Len(t, rest, 3)
	assert.False(t, hasMore)
}

func TestCredit_FirstCreditRaceFallsBackToUpdate(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := svc.genID.Generate()

	// Another worker creates the balance row between the guarded update and
	// the insert. Emulated with a create hook on the same connection.
	raced := false
	err := db.Callback().Create().Before("gorm:create").Register("first_credit_race", func(tx *gorm.DB) {
		if raced || tx.Statement.Table != "points_balances" {
			return
		}
		raced = true
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		tx.Session(&gorm.Session{NewDB: true}).Exec(
			`INSERT INTO points_balances (user_id, balance, total_earned, created_at, updated_at)
			 VALUES (?, 0, 0, ?, ?)`,
			userID, now, now,
		)
	})
	assert.NoError(t, err)

	record, err := svc.Credit(ctx, userID, 80, pointsdomain.ReasonSignin, nil)
	assert.NoError(t, err)
	assert.True(t, raced)
	assert.Equal(t, int64(80), record.BalanceAfter)

	balance, err := svc.Balance(ctx, userID)
	assert.NoError(t, err)
	assert.Equal(t, int64(80), balance.Balance)
	assert.Equal(t, int64(80), balance.TotalEarned)

	records, _, err := svc.ListTransactions(ctx, userID, 0, 10)
	assert.NoError(t, err)
	assert.Len(t, records, 1)
}

// ledgerOpCount reads the committed-ledger-op counter for one reason label
// from the default prometheus registry.
func ledgerOpCount(t *testing.T, reason string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, family := range families {
		if family.GetName() != "pointspay_ledger_operations_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "reason" && label.GetValue() == reason {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestLedgerOpMetric_CountsOnlyCommittedMutations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := svc.genID.Generate()

	before := ledgerOpCount(t, string(pointsdomain.ReasonExchange))
	_, err := svc.Debit(ctx, userID, 50, pointsdomain.ReasonExchange)
	assert.ErrorIs(t, err, pointsdomain.ErrInsufficientBalance)
	assert.Equal(t, before, ledgerOpCount(t, string(pointsdomain.ReasonExchange)))

	before = ledgerOpCount(t, string(pointsdomain.ReasonSignin))
	_, err = svc.Credit(ctx, userID, 30, pointsdomain.ReasonSignin, nil)
	assert.NoError(t, err)
	assert.Equal(t, before+1, ledgerOpCount(t, string(pointsdomain.ReasonSignin)))
}
