package service

import (
	"context"
	"fmt"
	"regexp"

	"github.com/bitfantasy/bidportal/internal/bid/entity"
	"github.com/bitfantasy/bidportal/internal/bid/repository"
	"github.com/xuri/excelize/v2"
)

const comparisonSheet = "Comparison"

// 固定列：序号、Cat/Sel、描述、数量、单位、成本类型
var comparisonHeaders = []string{"#", "Cat/Sel", "Description", "Qty", "Unit", "Cost Type"}

var unsafeFileChars = regexp.MustCompile(`[^\w\-. ]+`)

// Export 导出比价表
func (s *BidRequestService) Export(ctx context.Context, scope repository.Scope, id string) (*excelize.File, string, error) {
	req, err := s.Get(ctx, scope, id)
	if err != nil {
		return nil, "", err
	}
	f, err := BuildComparison(req)
	if err != nil {
		return nil, "", err
	}
	name := unsafeFileChars.ReplaceAllString(req.Title, "_")
	short := req.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return f, fmt.Sprintf("Bid_%s_%s.xlsx", name, short), nil
}

// BuildComparison 每个行项一行，每个已报价供应商占单价、小计两列，末行合计
func BuildComparison(req *entity.BidRequest) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", comparisonSheet); err != nil {
		return nil, err
	}
	sheet := comparisonSheet

	// 表头样式: 加粗
	boldStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	moneyStyle, _ := f.NewStyle(&excelize.Style{NumFmt: 4})

	var responders []*entity.BidRecipient
	for i := range req.Recipients {
		if req.Recipients[i].Response != nil {
			responders = append(responders, &req.Recipients[i])
		}
	}

	headers := append([]string{}, comparisonHeaders...)
	for _, rcp := range responders {
		name := rcp.SupplierID
		if rcp.Supplier != nil {
			name = rcp.Supplier.Name
		}
		headers = append(headers, name+" Unit", name+" Ext")
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, boldStyle)
	}

	// 报价明细按行项索引
	prices := make([]map[string]float64, len(responders))
	for i, rcp := range responders {
		prices[i] = make(map[string]float64, len(rcp.Response.Items))
		for _, it := range rcp.Response.Items {
			prices[i][it.BidRequestItemID] = it.UnitPrice
		}
	}

	totals := make([]float64, len(responders))
	fixed := len(comparisonHeaders)
	for rowIdx, item := range req.Items {
		row := rowIdx + 2
		f.SetCellValue(sheet, fmt.Sprintf("A%d", row), rowIdx+1)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", row), item.CatSel)
		f.SetCellValue(sheet, fmt.Sprintf("C%d", row), item.Description)
		f.SetCellValue(sheet, fmt.Sprintf("D%d", row), item.Quantity)
		f.SetCellValue(sheet, fmt.Sprintf("E%d", row), item.Unit)
		f.SetCellValue(sheet, fmt.Sprintf("F%d", row), item.CostType)

		for i := range responders {
			price, ok := prices[i][item.ID]
			if !ok {
				continue
			}
			ext := price * item.Quantity
			totals[i] += ext
			unitCell, _ := excelize.CoordinatesToCellName(fixed+2*i+1, row)
			extCell, _ := excelize.CoordinatesToCellName(fixed+2*i+2, row)
			f.SetCellValue(sheet, unitCell, price)
			f.SetCellValue(sheet, extCell, ext)
			f.SetCellStyle(sheet, unitCell, extCell, moneyStyle)
		}
	}

	// 底部合计行
	summaryRow := len(req.Items) + 2
	summaryStyle, _ := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true},
		NumFmt: 4,
	})
	f.SetCellValue(sheet, fmt.Sprintf("A%d", summaryRow), "Total")
	f.SetCellValue(sheet, fmt.Sprintf("C%d", summaryRow), fmt.Sprintf("%d items, %d responses", len(req.Items), len(responders)))
	for i := range responders {
		cell, _ := excelize.CoordinatesToCellName(fixed+2*i+2, summaryRow)
		f.SetCellValue(sheet, cell, totals[i])
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), summaryRow)
	f.SetCellStyle(sheet, fmt.Sprintf("A%d", summaryRow), last, summaryStyle)

	colWidths := []float64{6, 14, 40, 10, 8, 12}
	for i, w := range colWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, w)
	}
	if len(responders) > 0 {
		first, _ := excelize.ColumnNumberToName(fixed + 1)
		lastCol, _ := excelize.ColumnNumberToName(len(headers))
		f.SetColWidth(sheet, first, lastCol, 16)
	}
	f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	return f, nil
}
