// Package txn 定义批量签名流程各阶段共享的数据模型：调用方意图、组装得到的
// PreparedTx、手续费形态、gas 档位、检查项、模拟与风控结果，以及流程依赖的
// 外部服务接口。
package txn
