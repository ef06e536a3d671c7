package entity

// Models 询价模块需要 AutoMigrate 的全部表
func Models() []interface{} {
	return []interface{}{
		&Company{},
		&Project{},
		&EstimateVersion{},
		&EstimateLine{},
		&Supplier{},
		&BidRequest{},
		&BidRequestItem{},
		&BidRecipient{},
		&BidResponse{},
		&BidResponseItem{},
		&BidAttachment{},
		&ActivityLog{},
	}
}
