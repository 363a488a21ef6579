package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"candled/internal/logger"
	"candled/internal/market"
)

// handleChart 把最近 N 根 K 线渲染成 ECharts 蜡烛图页面，方便肉眼
// 检查补齐效果。参数与 /api/candles 相同。
func (s *Server) handleChart(c *gin.Context) {
	q, ok := s.candleParams(c)
	if !ok {
		return
	}
	candles, err := s.store.FetchCandles(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: fmt.Sprintf("%s %s", q.InstID, q.Bar),
			Width:     "1280px",
			Height:    "640px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s %s (%s)", q.InstID, q.Bar, q.Source),
			Subtitle: fmt.Sprintf("%d candles", len(candles)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{SplitNumber: 20}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
	)
	xAxis, series := buildKlineSeries(candles)
	kline.SetXAxis(xAxis).AddSeries(fmt.Sprintf("%s_%s", q.InstID, q.Bar), series)

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := kline.Render(c.Writer); err != nil {
		logger.Warnf("[http] 渲染 K 线图失败: %v", err)
	}
}

func buildKlineSeries(candles []market.Candle) ([]string, []opts.KlineData) {
	xAxis := make([]string, 0, len(candles))
	series := make([]opts.KlineData, 0, len(candles))
	for _, cd := range candles {
		xAxis = append(xAxis, time.UnixMilli(cd.Ts).UTC().Format("2006-01-02 15:04"))
		series = append(series, opts.KlineData{Value: [4]float64{
			cd.Open.InexactFloat64(),
			cd.Close.InexactFloat64(),
			cd.Low.InexactFloat64(),
			cd.High.InexactFloat64(),
		}})
	}
	return xAxis, series
}
