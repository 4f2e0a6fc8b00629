// Package fwatch 监控一组文件路径的修改、截断、重命名与删除。
//
// 核心特点：
//   - 每个路径都先经过 canonpath 规整为绝对路径（绝对路径同样规整）
//   - 每个路径同一时刻只持有一个监控句柄，事件注册为一次性（one-shot），交付后重新武装
//   - 文件被删除或替换后，自动向上逐级打开祖先目录并监控它，
//     祖先目录的写入被视为"子路径可能已重建"的信号，随后再向下尝试回到原文件
//   - 祖先目录遍历不跨越文件系统设备，跨设备视为致命错误
//   - 只有原文件本身处于监控状态时才会调用回调
//
// 注意：
//   - 不做递归目录监控，只监控给定的路径本身
//   - 不解析符号链接
//   - 等待事件没有超时；回调返回 false 是唯一的正常退出方式
//   - darwin/freebsd 默认使用 kqueue，其它平台使用 fsnotify；kqueue 不支持截断事件
//
// 推荐使用方式：
//  1. 配置 Config
//  2. 通过 New 创建 Watcher（此时完成路径规整、祖先遍历与注册）
//  3. 调用 Run 进入事件循环，直到回调返回 false 或出现不可恢复的错误
//  4. Run 返回时所有句柄都已释放；不调用 Run 时用 Close 释放
//
// 并发安全：
//   - Watcher 是单线程的，Run 与 Close 不应并发调用
//   - 回调在 Run 所在的 goroutine 中同步执行
package fwatch
