// Package scheduler запускает фоновые задачи обслуживания источников данных:
// периодическую очистку пулов по интервалу и cron-задачи (github.com/robfig/cron/v3).
//
// Возможности:
//   - задачи с фиксированным интервалом (time.Ticker) и по cron-выражению с секундами;
//   - политики перекрытий AllowOverlap, SkipIfRunning, DelayIfRunning;
//   - таймаут на запуск, восстановление после паники;
//   - счётчики запусков и ошибок на задачу (Jobs);
//   - остановка с дедлайном (Stop).
//
// Пример:
//
//	s := scheduler.New(scheduler.Config{Logger: log})
//	id, err := s.Add(scheduler.Job{
//		Name:    "pool-sweep:players",
//		Every:   30 * time.Second,
//		Overlap: scheduler.SkipIfRunning,
//		Run: func(ctx context.Context) error {
//			p.Sweep(ctx, time.Now())
//			return nil
//		},
//	})
//	s.Start()
//	defer s.Stop(context.Background())
package scheduler
